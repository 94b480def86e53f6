// Package task defines the unit of work dispatched to workers and its wire
// encoding.
//
// A Task is self-contained: a worker holding nothing but the message body can
// stage the inputs, run the analysis and record the outcome.
package task

import "fmt"

// Job identifies one (Input, Analysis) pairing within a Project.
type Job struct {
	ProjectID int64
	InputID   int64
}

// String returns the job identity as "project_id/input_id".
func (j Job) String() string {
	return fmt.Sprintf("%d/%d", j.ProjectID, j.InputID)
}

// Input describes how to retrieve one sequencing input.
type Input struct {
	ID              int64
	SRR             string
	SRP             string
	URLs            [3]string
	Checksums       [3]string
	RetrievalMethod string
}

// Sources returns the non-empty retrieval URLs paired with their checksums.
func (in Input) Sources() []Source {
	out := make([]Source, 0, len(in.URLs))
	for i, u := range in.URLs {
		if u == "" {
			continue
		}
		out = append(out, Source{URL: u, Checksum: in.Checksums[i]})
	}
	return out
}

// Source is a single retrievable input file.
type Source struct {
	URL      string
	Checksum string
}

// Analysis references the container image and the per-cluster wrapper.
type Analysis struct {
	ID         int64
	ImageURL   string
	WrapperURL string
}

// Reference describes the reference genome an analysis runs against.
type Reference struct {
	ID        int64
	TaxID     int64
	Name      string
	LongName  string
	ConfigURL string
}

// Task is a Job plus everything needed to execute it standalone.
type Task struct {
	ProjectID int64
	JobName   string
	Input     Input
	Analysis  Analysis
	Reference Reference
}

// Job returns the identity of the job this task executes.
func (t Task) Job() Job {
	return Job{ProjectID: t.ProjectID, InputID: t.Input.ID}
}
