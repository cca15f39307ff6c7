package council

import (
	"bytes"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/pkg/errors"

	"github.com/go-go-golems/conclave/pkg/events"
	"github.com/go-go-golems/conclave/pkg/ranking"
)

var promptTemplates = template.Must(
	template.New("prompts").Funcs(sprig.TxtFuncMap()).Parse(`
{{- define "review" -}}
You answered a question alongside several other models. The candidate
answers are listed below under anonymized labels; one of them may be your
own. Evaluate each for accuracy, depth and clarity, then rank all of them
from best to worst.

Question:
{{ .Question | trim }}

{{ range .Responses }}{{ .Label }}:
{{ .Text }}

{{ end -}}
After your evaluation, end your reply with a section of exactly this form,
listing every label:

FINAL RANKING:
1. Response X
2. Response Y
{{- end -}}

{{- define "synthesis" -}}
You are the chairman of a council of language models. Each member answered
the user's question independently, then ranked the anonymized answers of
the whole panel. Using the individual answers and the reviews below,
compose the single best final answer to the question. Do not mention the
council or the review process.

Question:
{{ .Question | trim }}

Individual answers:
{{ range .Results }}--- {{ .Model }} ---
{{ .Response }}

{{ end -}}
Peer reviews (labels resolved to model names):
{{ range .Reviews }}--- review by {{ .Model }} ---
{{ .Ranking }}

{{ end -}}
{{- end -}}

{{- define "title" -}}
Suggest a title of at most {{ .MaxWords }} words for a conversation that
starts with the message below. Reply with the title only, no quotes.

{{ .Question | abbrev 200 }}
{{- end -}}
`))

type labeledResponse struct {
	Label string
	Text  string
}

func render(name string, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := promptTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", errors.Wrapf(err, "could not render %s prompt", name)
	}
	return buf.String(), nil
}

// BuildReviewPrompt shows the stage-1 answers under anonymized labels
// only; real model identifiers never appear.
func BuildReviewPrompt(question string, labels *ranking.LabelMap, results []events.ModelResult) (string, error) {
	responses := make([]labeledResponse, 0, len(results))
	for _, r := range results {
		label, ok := labels.LabelForModel(r.Model)
		if !ok {
			return "", errors.Errorf("no label for model %q", r.Model)
		}
		responses = append(responses, labeledResponse{Label: label, Text: labels.Anonymize(r.Response)})
	}
	return render("review", map[string]interface{}{
		"Question":  question,
		"Responses": responses,
	})
}

// BuildSynthesisPrompt hands the chairman the de-anonymized picture:
// answers under real model names and reviews with labels resolved.
func BuildSynthesisPrompt(question string, labels *ranking.LabelMap, results []events.ModelResult, reviews []events.PeerReview) (string, error) {
	deanonymized := make([]events.PeerReview, 0, len(reviews))
	for _, r := range reviews {
		r.Ranking = labels.Deanonymize(r.Ranking)
		deanonymized = append(deanonymized, r)
	}
	return render("synthesis", map[string]interface{}{
		"Question": question,
		"Results":  results,
		"Reviews":  deanonymized,
	})
}

func BuildTitlePrompt(question string) (string, error) {
	return render("title", map[string]interface{}{
		"Question": question,
		"MaxWords": 6,
	})
}
