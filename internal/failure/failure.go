// Package failure classifies the errors that end a listing submission or a
// post generation run, and renders them as the single line shown to users.
package failure

import (
	"errors"
	"fmt"
)

// Kind identifies which stage of a flow failed. Recovery differs per kind: a
// validation failure is fixed locally, an upload failure retries the upload,
// an analysis failure retries only the analysis.
type Kind string

const (
	KindNone       Kind = ""
	KindValidation Kind = "validation"
	KindUpload     Kind = "upload"
	KindAnalysis   Kind = "analysis"
	KindWrite      Kind = "write"
)

// SuccessMessage is shown after a listing has been stored.
const SuccessMessage = "Product saved successfully!"

var prefixes = map[Kind]string{
	KindValidation: "Please check the form: ",
	KindUpload:     "Upload failed: ",
	KindAnalysis:   "Caption generation failed: ",
	KindWrite:      "Saving failed: ",
}

// Error carries the failure kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports a local, pre-flight problem with user input.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

// Upload wraps a failure reported by the object upload service.
func Upload(err error) error { return wrap(KindUpload, err) }

// Analysis wraps a failure reported by the content analysis service.
func Analysis(err error) error { return wrap(KindAnalysis, err) }

// Write wraps a failure reported by the document store.
func Write(err error) error { return wrap(KindWrite, err) }

func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == kind {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindNone
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message renders err as a fixed prefix plus the underlying detail.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return prefixes[fe.Kind] + fe.Err.Error()
	}
	return "Error: " + err.Error()
}
