package gemini

import "github.com/google/generative-ai-go/genai"

var questionsSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"questions": {
			Type:  genai.TypeArray,
			Items: &genai.Schema{Type: genai.TypeString},
		},
	},
	Required: []string{"questions"},
}

var evaluationSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"correct": {
			Type:        genai.TypeBoolean,
			Description: "True if the answer is correct, false otherwise.",
		},
		"reason": {
			Type:        genai.TypeString,
			Description: "Explanation of the answer correctness. Tell the user what the answer should have been if it can be determined.",
		},
	},
	Required: []string{"correct", "reason"},
}

var translationSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"translation": {Type: genai.TypeString},
	},
	Required: []string{"translation"},
}
