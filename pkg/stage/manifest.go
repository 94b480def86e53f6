// Package stage turns a staging manifest into task messages on a queue.
//
// A staging manifest describes one project: the analysis to run, the
// reference genome it runs against and the inputs to process. Staging
// publishes one task per input.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	project_id: 1
//	analysis:
//	  id: 7
//	  image_url: quay.io/benlangmead/recount-rs5:1.0.6
//	reference:
//	  id: 2
//	  tax_id: 9606
//	  name: hg38
//	inputs:
//	  - id: 1
//	    srr: SRR1234567
//	    srp: SRP000001
//	    urls: ["sra://SRR1234567"]
//	    retrieval_method: sra
package stage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/langmead-lab/recount-pump/pkg/task"
)

// Manifest is a validated staging manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	ProjectID int64 `json:"project_id" yaml:"project_id"`

	// JobNameTemplate builds each job name. Placeholders: {project_id},
	// {input_id}, {srr}, {srp}. Default: DefaultJobNameTemplate.
	JobNameTemplate string `json:"job_name_template,omitempty" yaml:"job_name_template,omitempty"`

	Analysis  AnalysisSpec  `json:"analysis" yaml:"analysis"`
	Reference ReferenceSpec `json:"reference" yaml:"reference"`
	Inputs    []InputSpec   `json:"inputs" yaml:"inputs"`
}

// AnalysisSpec is the container image and wrapper for the project.
type AnalysisSpec struct {
	ID         int64  `json:"id" yaml:"id"`
	ImageURL   string `json:"image_url" yaml:"image_url"`
	WrapperURL string `json:"wrapper_url,omitempty" yaml:"wrapper_url,omitempty"`
}

// ReferenceSpec is the reference genome descriptor.
type ReferenceSpec struct {
	ID        int64  `json:"id" yaml:"id"`
	TaxID     int64  `json:"tax_id,omitempty" yaml:"tax_id,omitempty"`
	Name      string `json:"name" yaml:"name"`
	LongName  string `json:"longname,omitempty" yaml:"longname,omitempty"`
	ConfigURL string `json:"conf_url,omitempty" yaml:"conf_url,omitempty"`
}

// InputSpec is one input to process. URLs and Checksums pair by position.
type InputSpec struct {
	ID              int64    `json:"id" yaml:"id"`
	SRR             string   `json:"srr,omitempty" yaml:"srr,omitempty"`
	SRP             string   `json:"srp,omitempty" yaml:"srp,omitempty"`
	URLs            []string `json:"urls,omitempty" yaml:"urls,omitempty"`
	Checksums       []string `json:"checksums,omitempty" yaml:"checksums,omitempty"`
	RetrievalMethod string   `json:"retrieval_method,omitempty" yaml:"retrieval_method,omitempty"`
}

const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultJobNameTemplate names jobs after their project and input.
	DefaultJobNameTemplate = "proj{project_id}_input{input_id}"

	// MaxURLs is the number of retrieval URLs a task can carry.
	MaxURLs = 3
)

// ApplyDefaults fills optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	if strings.TrimSpace(m.JobNameTemplate) == "" {
		m.JobNameTemplate = DefaultJobNameTemplate
	}
}

// Check enforces the rules the schema cannot express.
func (m *Manifest) Check() error {
	var errs ValidationErrors
	seen := make(map[int64]int, len(m.Inputs))
	for i, in := range m.Inputs {
		path := fmt.Sprintf("/inputs/%d", i)
		if prev, ok := seen[in.ID]; ok {
			errs = append(errs, ValidationError{
				Path:    path + "/id",
				Message: fmt.Sprintf("duplicate input id %d (also at /inputs/%d)", in.ID, prev),
			})
		}
		seen[in.ID] = i
		if len(in.URLs) > MaxURLs {
			errs = append(errs, ValidationError{
				Path:    path + "/urls",
				Message: fmt.Sprintf("at most %d urls, got %d", MaxURLs, len(in.URLs)),
			})
		}
		if len(in.Checksums) > len(in.URLs) {
			errs = append(errs, ValidationError{
				Path:    path + "/checksums",
				Message: fmt.Sprintf("%d checksums for %d urls", len(in.Checksums), len(in.URLs)),
			})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// JobName expands the job name template for an input.
func (m *Manifest) JobName(in InputSpec) string {
	tmpl := m.JobNameTemplate
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultJobNameTemplate
	}
	return strings.NewReplacer(
		"{project_id}", strconv.FormatInt(m.ProjectID, 10),
		"{input_id}", strconv.FormatInt(in.ID, 10),
		"{srr}", in.SRR,
		"{srp}", in.SRP,
	).Replace(tmpl)
}

// Tasks builds one task per input, in manifest order.
func (m *Manifest) Tasks() []task.Task {
	out := make([]task.Task, 0, len(m.Inputs))
	for _, in := range m.Inputs {
		t := task.Task{
			ProjectID: m.ProjectID,
			JobName:   m.JobName(in),
			Input: task.Input{
				ID:              in.ID,
				SRR:             in.SRR,
				SRP:             in.SRP,
				RetrievalMethod: in.RetrievalMethod,
			},
			Analysis: task.Analysis{
				ID:         m.Analysis.ID,
				ImageURL:   m.Analysis.ImageURL,
				WrapperURL: m.Analysis.WrapperURL,
			},
			Reference: task.Reference{
				ID:        m.Reference.ID,
				TaxID:     m.Reference.TaxID,
				Name:      m.Reference.Name,
				LongName:  m.Reference.LongName,
				ConfigURL: m.Reference.ConfigURL,
			},
		}
		copy(t.Input.URLs[:], in.URLs)
		copy(t.Input.Checksums[:], in.Checksums)
		out = append(out, t)
	}
	return out
}
