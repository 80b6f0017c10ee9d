package interactive

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/harun/relay/pkg/channels"
)

// RenderText formats questions as a numbered prompt for channels without buttons.
func RenderText(questions []channels.InteractiveQuestion) string {
	var b strings.Builder
	multi := len(questions) > 1
	for qi, q := range questions {
		if qi > 0 {
			b.WriteString("\n\n")
		}
		if q.Header != "" {
			b.WriteString("*" + q.Header + "*\n")
		}
		if multi {
			fmt.Fprintf(&b, "%d) ", qi+1)
		}
		b.WriteString(q.Prompt)
		for oi, opt := range q.Options {
			fmt.Fprintf(&b, "\n  %d. %s", oi+1, opt)
		}
		if q.MultiSelect {
			b.WriteString("\n  (you can pick several, e.g. 1,3)")
		}
	}
	b.WriteString("\n\n")
	if multi {
		b.WriteString("Reply with one answer per line, in order.")
	} else {
		b.WriteString("Reply with the number or the option text.")
	}
	return b.String()
}

// ParseReply maps a free-text reply onto each question's options. When the
// reply has exactly one non-empty line per question, lines are matched in
// order; otherwise the whole reply is applied to every question. The result
// maps each prompt to its comma-joined selected labels.
func ParseReply(questions []channels.InteractiveQuestion, reply string) map[string]string {
	answers := make(map[string]string, len(questions))
	if len(questions) == 0 {
		return answers
	}

	var lines []string
	for _, line := range strings.Split(reply, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}

	for i, q := range questions {
		text := strings.TrimSpace(reply)
		if len(questions) > 1 && len(lines) == len(questions) {
			text = lines[i]
		}
		answers[q.Prompt] = strings.Join(selectOptions(q, text), ", ")
	}
	return answers
}

// selectOptions never returns an empty selection for a question with options.
func selectOptions(q channels.InteractiveQuestion, text string) []string {
	if len(q.Options) == 0 {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	if picked := numericSelection(q, text); len(picked) > 0 {
		return picked
	}
	if picked := labelSelection(q, text); len(picked) > 0 {
		return picked
	}
	return []string{q.Options[0]}
}

func numericSelection(q channels.InteractiveQuestion, text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ' ' || r == ';'
	})
	if len(fields) == 0 {
		return nil
	}

	var picked []string
	seen := map[int]bool{}
	for _, f := range fields {
		n, err := strconv.Atoi(strings.TrimSuffix(f, "."))
		if err != nil {
			return nil
		}
		if n < 1 || n > len(q.Options) || seen[n] {
			continue
		}
		seen[n] = true
		picked = append(picked, q.Options[n-1])
		if !q.MultiSelect {
			break
		}
	}
	return picked
}

func labelSelection(q channels.InteractiveQuestion, text string) []string {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return nil
	}
	for _, opt := range q.Options {
		if strings.ToLower(opt) == lower {
			return []string{opt}
		}
	}

	var picked []string
	for _, opt := range q.Options {
		if opt != "" && strings.Contains(lower, strings.ToLower(opt)) {
			picked = append(picked, opt)
			if !q.MultiSelect {
				break
			}
		}
	}
	return picked
}

const buttonPrefix = "aq"

// EncodeButtonID builds a button custom id for one option.
func EncodeButtonID(toolUseID string, questionIndex, optionIndex int) string {
	return fmt.Sprintf("%s|%s|%d|%d", buttonPrefix, toolUseID, questionIndex, optionIndex)
}

// DecodeButtonID reverses EncodeButtonID.
func DecodeButtonID(id string) (toolUseID string, questionIndex, optionIndex int, ok bool) {
	parts := strings.Split(id, "|")
	if len(parts) != 4 || parts[0] != buttonPrefix || parts[1] == "" {
		return "", 0, 0, false
	}
	q, err := strconv.Atoi(parts[2])
	if err != nil || q < 0 {
		return "", 0, 0, false
	}
	o, err := strconv.Atoi(parts[3])
	if err != nil || o < 0 {
		return "", 0, 0, false
	}
	return parts[1], q, o, true
}
