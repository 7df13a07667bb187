package processing

import (
	"encoding/json"
	"strings"
)

// ExtractText pulls the user-facing text out of a provider response. The
// lookup order covers the Responses API, chat completions, legacy
// completions and the flat shapes webhooks answer with:
//
//	output_text → output[].content[].text → choices[0].message.content →
//	choices[0].text → answer → response → result → text
//
// A body that is not a JSON object is returned trimmed as plain text. A JSON
// object without any of these fields yields "".
func ExtractText(body []byte) string {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil || doc == nil {
		return strings.TrimSpace(string(body))
	}

	if s := str(doc["output_text"]); s != "" {
		return s
	}
	if output, ok := doc["output"].([]any); ok {
		var parts []string
		for _, item := range output {
			m, _ := item.(map[string]any)
			content, _ := m["content"].([]any)
			for _, c := range content {
				cm, _ := c.(map[string]any)
				if s := str(cm["text"]); s != "" {
					parts = append(parts, s)
				}
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	if choices, ok := doc["choices"].([]any); ok && len(choices) > 0 {
		first, _ := choices[0].(map[string]any)
		if msg, ok := first["message"].(map[string]any); ok {
			if s := str(msg["content"]); s != "" {
				return s
			}
		}
		if s := str(first["text"]); s != "" {
			return s
		}
	}
	for _, key := range []string{"answer", "response", "result", "text"} {
		if s := str(doc[key]); s != "" {
			return s
		}
	}
	return ""
}

// Translation is the shaped result of a translation call.
type Translation struct {
	Text               string
	DetectedSourceLang string
}

// ExtractTranslation reads translations[0] of a translate response.
func ExtractTranslation(body []byte) (Translation, bool) {
	var doc struct {
		Translations []struct {
			Text                   string `json:"text"`
			DetectedSourceLanguage string `json:"detected_source_language"`
		} `json:"translations"`
	}
	if err := json.Unmarshal(body, &doc); err != nil || len(doc.Translations) == 0 {
		return Translation{}, false
	}
	t := doc.Translations[0]
	return Translation{
		Text:               strings.TrimSpace(t.Text),
		DetectedSourceLang: t.DetectedSourceLanguage,
	}, true
}

// ExtractRephrase reads the first improvement of a rephrase response,
// falling back to ExtractText.
func ExtractRephrase(body []byte) string {
	var doc struct {
		Improvements []struct {
			Text string `json:"text"`
		} `json:"improvements"`
		Results []struct {
			Text string `json:"text"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &doc); err == nil {
		if len(doc.Improvements) > 0 && strings.TrimSpace(doc.Improvements[0].Text) != "" {
			return strings.TrimSpace(doc.Improvements[0].Text)
		}
		if len(doc.Results) > 0 && strings.TrimSpace(doc.Results[0].Text) != "" {
			return strings.TrimSpace(doc.Results[0].Text)
		}
	}
	return ExtractText(body)
}

// ErrorMessage returns the message or detail field of a provider error
// body, or the body itself.
func ErrorMessage(body []byte) string {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err == nil {
		for _, key := range []string{"message", "detail"} {
			if s := str(doc[key]); s != "" {
				return s
			}
		}
		if e, ok := doc["error"].(map[string]any); ok {
			if s := str(e["message"]); s != "" {
				return s
			}
		}
		if s := str(doc["error"]); s != "" {
			return s
		}
	}
	return strings.TrimSpace(string(body))
}

// IsJSON reports whether body is a JSON document.
func IsJSON(body []byte) bool {
	return json.Valid(body) && len(strings.TrimSpace(string(body))) > 0
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
