package ranking

import (
	"strings"

	"github.com/pkg/errors"
)

const labelPrefix = "Response "

// LabelFor returns the anonymized label for position i in stage-1
// completion order: "Response A", "Response B", ...
func LabelFor(i int) string {
	return labelPrefix + string(rune('A'+i))
}

// LabelMap is the bijection between anonymized labels and real model
// identifiers for one turn. It is built exactly once, from the full set of
// models that completed stage 1 in completion order, and is read-only
// afterwards.
type LabelMap struct {
	labels        []string
	labelToModel  map[string]string
	modelToLabel  map[string]string
	modelsInOrder []string
}

func NewLabelMap(modelsInCompletionOrder []string) (*LabelMap, error) {
	if len(modelsInCompletionOrder) > 26 {
		return nil, errors.Errorf("cannot label %d models, maximum is 26", len(modelsInCompletionOrder))
	}
	m := &LabelMap{
		labelToModel:  map[string]string{},
		modelToLabel:  map[string]string{},
		modelsInOrder: append([]string(nil), modelsInCompletionOrder...),
	}
	for i, model := range modelsInCompletionOrder {
		if _, ok := m.modelToLabel[model]; ok {
			return nil, errors.Errorf("duplicate model %q in label set", model)
		}
		label := LabelFor(i)
		m.labels = append(m.labels, label)
		m.labelToModel[label] = model
		m.modelToLabel[model] = label
	}
	return m, nil
}

func (m *LabelMap) Len() int { return len(m.labels) }

// Labels returns the labels in assignment order.
func (m *LabelMap) Labels() []string {
	return append([]string(nil), m.labels...)
}

// Models returns the model identifiers in label assignment order.
func (m *LabelMap) Models() []string {
	return append([]string(nil), m.modelsInOrder...)
}

func (m *LabelMap) ModelFor(label string) (string, bool) {
	model, ok := m.labelToModel[label]
	return model, ok
}

func (m *LabelMap) LabelForModel(model string) (string, bool) {
	label, ok := m.modelToLabel[model]
	return label, ok
}

// LabelToModel returns a copy of the label→model table, suitable for
// embedding in wire payloads.
func (m *LabelMap) LabelToModel() map[string]string {
	out := make(map[string]string, len(m.labelToModel))
	for k, v := range m.labelToModel {
		out[k] = v
	}
	return out
}

// Anonymize replaces every occurrence of a mapped model identifier with
// its label. Longer identifiers are replaced first so that a model id that
// is a prefix of another never clobbers it.
func (m *LabelMap) Anonymize(text string) string {
	return replaceAll(text, m.modelsInOrder, func(model string) string {
		label, _ := m.LabelForModel(model)
		return label
	})
}

// Deanonymize replaces every occurrence of a mapped label with its model
// identifier. Deanonymize(Anonymize(text)) == text when text only contains
// tokens present in the map.
func (m *LabelMap) Deanonymize(text string) string {
	return replaceAll(text, m.labels, func(label string) string {
		model, _ := m.ModelFor(label)
		return model
	})
}

func replaceAll(text string, tokens []string, repl func(string) string) string {
	ordered := append([]string(nil), tokens...)
	// longest-first, then lexicographic for determinism
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			a, b := ordered[i], ordered[j]
			if len(b) > len(a) || (len(b) == len(a) && b < a) {
				ordered[i], ordered[j] = b, a
			}
		}
	}
	for _, tok := range ordered {
		text = strings.ReplaceAll(text, tok, repl(tok))
	}
	return text
}
