package capability

import (
	"fmt"

	"github.com/manash/lingolens/pkg/models"
)

const DescribePrompt = "Describe this image in detail. Mention the main objects, their colors, positions and what is happening."

// QuestionsPrompt instructs the model to write questions in the learner's
// source language about the image and its description.
func QuestionsPrompt(level models.Proficiency, lang models.LanguageCode, r models.QuestionRange) string {
	return fmt.Sprintf(`You are a language tutor helping a %s.
Generate %s questions in %s about the included image and description in <description>. The questions should be simple, clear and be something a %s learner can answer.`,
		level, r, lang.DisplayName(), level)
}

func LanguageConstraint(lang models.LanguageCode) string {
	return fmt.Sprintf("The questions MUST be in %s", lang.DisplayName())
}

func WrapDescription(description string) string {
	return "<description>" + description + "</description>"
}

// EvaluatePrompt asks whether the learner's answer is correct for the image.
func EvaluatePrompt(req *EvaluateRequest) string {
	level := req.Proficiency
	if level == "" {
		level = models.ProficiencyBeginner
	}
	lang := req.Language.DisplayName()
	return fmt.Sprintf(`The user is a %s learning %s and is trying to answer the provided question.
Question (%s): %s
Their answer in (%s) is: %s
Using the attached image and description (<description>) is the answer they provided correct?`,
		level, lang, lang, req.Question, lang, req.Answer)
}

func TranslatePrompt(req *TranslateRequest) string {
	return fmt.Sprintf(`Translate the text inside <text> from %s to %s.
Keep the meaning and the question form. Return only the translation.
<text>%s</text>`,
		req.Source.DisplayName(), req.Target.DisplayName(), req.Text)
}
