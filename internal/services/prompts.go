// internal/services/prompts.go
package services

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c4fun/tell-stories-webui/internal/models"
)

var plotExample = models.PlotDocument{
	Plot: models.Plot{
		MainPlot:         "A poor young girl, unable to sell her matches on a freezing New Year's Eve, strikes them one by one and sees visions of warmth and of her loving grandmother. She is found frozen the next morning with a peaceful smile.",
		DetailedMainPlot: "On a bitterly cold New Year's Eve, a young girl tries to sell matches in the snowy streets. Her father expects her to return with money. Passersby ignore her. Desperate for warmth, she lights the matches and sees a warm stove, a holiday feast and a Christmas tree. Most precious is the vision of her late grandmother. She lights all her remaining matches to keep her grandmother near. By morning she is found lifeless among the spent matches.",
	},
	Characters: models.CharactersDict{
		Count: 2,
		Dict: map[string]models.CharacterRecord{
			"Narrator": {
				Language: "English", Gender: "female", Type: models.CharacterTypeNarration,
				Age: "middle-aged", Pitch: "low",
			},
			"The little match girl": {
				Language: "English", Gender: "female", Type: models.CharacterTypeAction,
				Age: "child", Pitch: "high", AlternativeNames: []string{"the girl"},
			},
		},
	},
}

var castExample = []models.CastEntry{
	{Character: "Narrator", VAName: "English_female_narration_young-adult_medium_Alissa"},
	{Character: "Mrs. McNeil", VAName: "English_female_action_middle-aged_low_Vanessa"},
	{Character: "Bob", VAName: "English_male_action_young-adult_medium_TomHiddleston"},
}

var linesExample = models.LinesDocument{
	Lines: []models.RawLine{
		{Character: "Narrator", Instruct: "normal", Line: "It was late at night. The wind is howling fiercely."},
		{Character: "The little match girl", Instruct: "trembling", Line: "It's so cold!"},
		{Character: "Narrator", Instruct: "normal", Line: "Said the little match girl, trembling."},
	},
}

func indentJSON(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// PlotPrompt 生成剧情和角色字典的提示词，bookCtx 可为空
func PlotPrompt(story string, bookCtx *models.BookContext) string {
	previous := ""
	if bookCtx != nil {
		if bookCtx.PreviousPlot != "" {
			previous += fmt.Sprintf("\nPrevious chapters context:\n%s\n", bookCtx.PreviousPlot)
		}
		if len(bookCtx.Characters.Dict) > 0 {
			previous += fmt.Sprintf("\nPrevious chapters characters:\n%s\n", indentJSON(bookCtx.Characters.Dict))
		}
	}

	prompt := fmt.Sprintf(`
%s

Analyze this story above, and make a thorough dictionary of voice actors/actresses I need to read it. There are the rules:
1. Assign character for each VA. A character needs to say something to be assigned a VA; otherwise no VA is needed. You must include following properties according to the content:
  1.1 language(English, Mandarin, Cantonese, Spanish, Japanese),
  1.2 gender(male, female),
  1.3 type(narration, action),
  1.4 age(child, teen, young adult, middle-aged, senior, monster),
  1.5 pitch(very high, high, medium, low, very low)
2. For character that is typed action, list all alternative names(in its original language) in the story to the alternativeNames section. So lines from later parts can be matched the character accurately.
3. The narrator should be also counted as an individual character. But if the narrator clearly is one character in the story, then the narrator and character should use the same voice.
4. We'd better use a female narrator unless the story is evidently told by a male.
5. If previous chapters plot is provided below, ensure character consistency with previous chapters:
  5.1 Use the exact same name for the same character.
  5.2 Keep track of any new characters introduced in this chapter.
  5.3 Consider the plot development and character relationships from previous chapters.
%s
6. Output all things in JSON format as following. Do not output any extra explanations, just output the JSON itself.
%s
`, story, previous, indentJSON(plotExample))

	return strings.TrimSpace(prompt)
}

// CastPrompt 为角色匹配声优的提示词
func CastPrompt(characters models.CharactersDict, catalog []models.VoiceActor, previousCast []models.CastEntry) string {
	previous := ""
	if len(previousCast) > 0 {
		previous = fmt.Sprintf("\nPrevious chapters cast:\n%s\n", indentJSON(previousCast))
	}

	prompt := fmt.Sprintf(`
%s
The above JSON are the character involved in current story. Now we got these characters, please choose the VAs for me according to these rules:

1. Must match in language, gender, type.
2. Strongly prefer to match in pitch and age.
3. Optionally match in accent.
4. Different characters must have different VAs.
5. We got these VAs in the DB as the following JSON.

%s

6. If characters cast is provided below, for characters that already appear in the book's cast, you MUST reuse their exact VA assignments:
   - If a character exists in the book's cast, use the SAME va_name that was previously assigned
   - This ensures consistency across chapters
%s

7. Output all things in JSON format as following. We need the character, va_name to be retrieved from the VAs in the DB. No extra props are needed. Do not output any extra explanations, just output the JSON itself.
%s
`, indentJSON(characters), catalogJSON(catalog), previous, indentJSON(castExample))

	return strings.TrimSpace(prompt)
}

// catalogJSON 声优目录展开为扁平对象列表
func catalogJSON(catalog []models.VoiceActor) string {
	entries := make([]map[string]interface{}, 0, len(catalog))
	for _, va := range catalog {
		entry := make(map[string]interface{}, len(va.Attributes)+1)
		for k, v := range va.Attributes {
			entry[k] = v
		}
		entry["name"] = va.Name
		entries = append(entries, entry)
	}
	return indentJSON(entries)
}

// LinesPrompt 按角色拆分台词的提示词
func LinesPrompt(plot models.PlotDocument, story string) string {
	return fmt.Sprintf(`
Analyze this story below, and assign each line with the character. These are the rules:
1. We already have the main plot of the story and character's cast as below.

%s

2. DO NOT dissect the narrator's line into smaller sections if they are sequential. Even if the narrator's line is long or has different instructs, it should be read as a whole.
3. For each line, output the character, instruct, and line.
3.1 The character must match whom Rule 1 mentioned.
3.2 The instruct is how the actor should say the line, like "trembling", "surprisingly", "fearful".
3.3 Line rules:
    3.3.1 Do not omit any sentences in lines!
    3.3.2 Do not alter any words expect for all-caps words said by actors/actresses, change the all-caps words to lower case except the first letter of the sentence.
    3.3.3 Do not alter any punctuation marks.
    3.3.4 The attribution phrases like "he said/she said" MUST BE PRESERVED.
3.4 Output all things in JSON format as following. Do not output any extra explanations, just output the JSON itself.
%s

Here's the story:
%s
`, indentJSON(plot), indentJSON(linesExample), story)
}

// SplitDecisionPrompt 询问模型在哪一行分段
func SplitDecisionPrompt(numberedLines, mainPlot string) string {
	return fmt.Sprintf(`Given these lines from a story and the main plot summary, find the best place to split the story if one exists.
Main plot: %s

Context (40 lines):
%s

Rules for splitting:
1. Don't split between parts of the same dialogue or action
2. Good split points are between scenes, paragraphs, or complete dialogue exchanges
3. The split should preserve context for both parts
4. Look for natural transitions between sections

Analyze these lines and respond in this format:
SPLIT: [line_number] (or "NO_SPLIT" if no good split point)
REASON: [brief explanation]`, mainPlot, numberedLines)
}
