package task

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Wire format constants.
const (
	// FieldSeparator separates the top-level fields of a task body.
	FieldSeparator = " "

	// DescriptorSeparator separates the members of a descriptor tuple.
	DescriptorSeparator = ","

	// NoneToken encodes an empty descriptor member.
	NoneToken = "None"

	topLevelFields  = 5
	inputFields     = 10
	analysisFields  = 3
	referenceFields = 5
)

// ErrMalformed indicates a task body that cannot be decoded.
var ErrMalformed = errors.New("malformed task")

// ParseError describes why a task body was rejected.
type ParseError struct {
	// Field names the part of the body that failed ("task", "input", ...).
	Field string

	// Want is the expected number of members, when the failure is an arity mismatch.
	Want int

	// Got is the observed number of members, when the failure is an arity mismatch.
	Got int

	// Detail carries a non-arity reason.
	Detail string

	// Body is the raw body that was being decoded.
	Body string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("malformed task: %s: %s: %q", e.Field, e.Detail, e.Body)
	}
	return fmt.Sprintf("malformed task: %s: expected %d fields, got %d: %q", e.Field, e.Want, e.Got, e.Body)
}

// Unwrap returns ErrMalformed for errors.Is support.
func (e *ParseError) Unwrap() error {
	return ErrMalformed
}

// Encode renders a task as its single-line wire body.
func Encode(t Task) (string, error) {
	if strings.TrimSpace(t.JobName) == "" {
		return "", fmt.Errorf("encode task: job name is required")
	}
	if strings.ContainsAny(t.JobName, " \t\n") {
		return "", fmt.Errorf("encode task: job name %q contains whitespace", t.JobName)
	}

	input := []string{
		strconv.FormatInt(t.Input.ID, 10),
		t.Input.SRR,
		t.Input.SRP,
		t.Input.URLs[0], t.Input.URLs[1], t.Input.URLs[2],
		t.Input.Checksums[0], t.Input.Checksums[1], t.Input.Checksums[2],
		t.Input.RetrievalMethod,
	}
	analysis := []string{
		strconv.FormatInt(t.Analysis.ID, 10),
		t.Analysis.ImageURL,
		t.Analysis.WrapperURL,
	}
	reference := []string{
		strconv.FormatInt(t.Reference.ID, 10),
		strconv.FormatInt(t.Reference.TaxID, 10),
		t.Reference.Name,
		t.Reference.LongName,
		t.Reference.ConfigURL,
	}

	parts := []string{strconv.FormatInt(t.ProjectID, 10), t.JobName}
	for _, d := range []struct {
		name    string
		members []string
	}{{"input", input}, {"analysis", analysis}, {"reference", reference}} {
		enc, err := encodeDescriptor(d.name, d.members)
		if err != nil {
			return "", err
		}
		parts = append(parts, enc)
	}
	return strings.Join(parts, FieldSeparator), nil
}

func encodeDescriptor(name string, members []string) (string, error) {
	out := make([]string, len(members))
	for i, m := range members {
		if strings.ContainsAny(m, ", \t\n") {
			return "", fmt.Errorf("encode task: %s member %d contains a separator: %q", name, i, m)
		}
		if m == "" {
			m = NoneToken
		}
		out[i] = m
	}
	return strings.Join(out, DescriptorSeparator), nil
}

// Decode parses a wire body into a Task.
//
// Two shapes are accepted: the full form where each descriptor is a
// comma-separated tuple, and the short form used in operator tooling where a
// descriptor is "<name>#<id>" (e.g. "1 jobA input#1 analysis#7 ref#2").
// Arity mismatches are reported as *ParseError rather than truncated.
func Decode(body string) (Task, error) {
	fields := strings.Fields(body)
	if len(fields) != topLevelFields {
		return Task{}, &ParseError{Field: "task", Want: topLevelFields, Got: len(fields), Body: body}
	}

	var t Task
	var err error
	if t.ProjectID, err = parseInt(fields[0]); err != nil {
		return Task{}, &ParseError{Field: "project_id", Detail: err.Error(), Body: body}
	}
	t.JobName = fields[1]

	input, err := splitDescriptor("input", fields[2], inputFields, body)
	if err != nil {
		return Task{}, err
	}
	if t.Input, err = decodeInput(input, body); err != nil {
		return Task{}, err
	}

	analysis, err := splitDescriptor("analysis", fields[3], analysisFields, body)
	if err != nil {
		return Task{}, err
	}
	if t.Analysis, err = decodeAnalysis(analysis, body); err != nil {
		return Task{}, err
	}

	reference, err := splitDescriptor("reference", fields[4], referenceFields, body)
	if err != nil {
		return Task{}, err
	}
	if t.Reference, err = decodeReference(reference, body); err != nil {
		return Task{}, err
	}

	return t, nil
}

// splitDescriptor returns the members of a descriptor padded to arity. A
// short-form "<name>#<id>" descriptor yields the id followed by empty members.
func splitDescriptor(name, raw string, arity int, body string) ([]string, error) {
	if !strings.Contains(raw, DescriptorSeparator) {
		if idx := strings.LastIndex(raw, "#"); idx >= 0 {
			id := raw[idx+1:]
			if _, err := parseInt(id); err != nil {
				return nil, &ParseError{Field: name, Detail: "invalid short-form id " + strconv.Quote(raw), Body: body}
			}
			out := make([]string, arity)
			out[0] = id
			return out, nil
		}
	}

	members := strings.Split(raw, DescriptorSeparator)
	if len(members) != arity {
		return nil, &ParseError{Field: name, Want: arity, Got: len(members), Body: body}
	}
	for i, m := range members {
		if m == NoneToken {
			members[i] = ""
		}
	}
	return members, nil
}

func decodeInput(m []string, body string) (Input, error) {
	id, err := parseInt(m[0])
	if err != nil {
		return Input{}, &ParseError{Field: "input.id", Detail: err.Error(), Body: body}
	}
	return Input{
		ID:              id,
		SRR:             m[1],
		SRP:             m[2],
		URLs:            [3]string{m[3], m[4], m[5]},
		Checksums:       [3]string{m[6], m[7], m[8]},
		RetrievalMethod: m[9],
	}, nil
}

func decodeAnalysis(m []string, body string) (Analysis, error) {
	id, err := parseInt(m[0])
	if err != nil {
		return Analysis{}, &ParseError{Field: "analysis.id", Detail: err.Error(), Body: body}
	}
	return Analysis{ID: id, ImageURL: m[1], WrapperURL: m[2]}, nil
}

func decodeReference(m []string, body string) (Reference, error) {
	id, err := parseInt(m[0])
	if err != nil {
		return Reference{}, &ParseError{Field: "reference.id", Detail: err.Error(), Body: body}
	}
	var taxID int64
	if m[1] != "" {
		if taxID, err = parseInt(m[1]); err != nil {
			return Reference{}, &ParseError{Field: "reference.tax_id", Detail: err.Error(), Body: body}
		}
	}
	return Reference{ID: id, TaxID: taxID, Name: m[2], LongName: m[3], ConfigURL: m[4]}, nil
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("missing integer")
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}
