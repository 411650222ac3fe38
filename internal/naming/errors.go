package naming

import "fmt"

// TemplateError reports a template that cannot be compiled.
type TemplateError struct {
	Template string
	Reason   string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("naming: template %q: %s", e.Template, e.Reason)
}

// TemplateAmbiguityError reports two slots whose rendered values cannot be
// told apart when parsing, such as adjacent numeric slots with no literal
// between them.
type TemplateAmbiguityError struct {
	Template string
	First    string
	Second   string
}

func (e *TemplateAmbiguityError) Error() string {
	return fmt.Sprintf("naming: template %q is ambiguous: slots %q and %q cannot be separated", e.Template, e.First, e.Second)
}

// MissingSlotError is returned by Render when a template slot has no value.
type MissingSlotError struct {
	Slot string
}

func (e *MissingSlotError) Error() string {
	return fmt.Sprintf("naming: no value for template slot %q", e.Slot)
}

// ParseError reports an identifier that does not belong to a scheme.
type ParseError struct {
	ID     string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("naming: cannot parse %q: %s: %v", e.ID, e.Reason, e.Err)
	}
	return fmt.Sprintf("naming: cannot parse %q: %s", e.ID, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }
