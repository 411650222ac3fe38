// Package naming renders snapshot identifiers from a filename template and
// parses them back.
//
// Templates use brace slots in the style of Python format strings:
//
//	weights.{epoch:04d}-{val_loss:.3f}.ckpt
//
// The "epoch" (alias "iteration") slot is bound to the iteration index and
// accepts "d" or "0Nd"; every other slot is bound to the metric of the same
// name and accepts ".Nf" or "f". Literal braces are written "{{" and "}}".
// Every identifier carries the prefix "model_<version>_" so snapshots of
// incompatible model versions never parse under each other's scheme.
package naming

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Prefix starts every identifier produced by a Scheme.
const Prefix = "model_"

const (
	defaultIterationWidth  = 4
	defaultMetricPrecision = 4
	pythonFloatPrecision   = 6
)

var (
	versionStrip    = regexp.MustCompile(`[^\w.]`)
	templateFlatten = regexp.MustCompile(`[/\\:;\s]+`)
	slotName        = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	iterationSpec   = regexp.MustCompile(`^(0(\d+))?d$`)
	metricSpec      = regexp.MustCompile(`^(\.(\d+))?f$`)
)

// SanitizeVersion keeps only letters, digits, '_' and '.'.
func SanitizeVersion(v string) string {
	return versionStrip.ReplaceAllString(v, "")
}

// SanitizeTemplate flattens path separators and whitespace runs in the
// literal parts of t to '_' so all snapshots live in a single flat folder.
// Slot bodies are left untouched.
func SanitizeTemplate(t string) string {
	var out, lit strings.Builder
	flush := func() {
		out.WriteString(templateFlatten.ReplaceAllString(lit.String(), "_"))
		lit.Reset()
	}
	for i := 0; i < len(t); i++ {
		if t[i] != '{' {
			lit.WriteByte(t[i])
			continue
		}
		if i+1 < len(t) && t[i+1] == '{' {
			lit.WriteString("{{")
			i++
			continue
		}
		end := strings.IndexByte(t[i:], '}')
		if end < 0 {
			lit.WriteString(t[i:])
			break
		}
		flush()
		out.WriteString(t[i : i+end+1])
		i += end
	}
	flush()
	return out.String()
}

type slotKind int

const (
	slotIteration slotKind = iota
	slotMetric
)

type slot struct {
	name      string
	spec      string
	kind      slotKind
	width     int // zero-padded width for iteration slots, 0 means unpadded
	precision int // digits after the point for metric slots
}

func (s *slot) pattern() string {
	switch s.kind {
	case slotIteration:
		if s.width > 0 {
			return fmt.Sprintf(`(\d{%d,})`, s.width)
		}
		return `(\d+)`
	default:
		if s.precision == 0 {
			return `(-?\d+)`
		}
		return fmt.Sprintf(`(-?\d+\.\d{%d})`, s.precision)
	}
}

func (s *slot) render(iteration int, metrics map[string]float64) (string, error) {
	if s.kind == slotIteration {
		if s.width > 0 {
			return fmt.Sprintf("%0*d", s.width, iteration), nil
		}
		return strconv.Itoa(iteration), nil
	}
	v, ok := metrics[s.name]
	if !ok {
		return "", &MissingSlotError{Slot: s.name}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", fmt.Errorf("naming: metric %q has non-finite value %v", s.name, v)
	}
	return strconv.FormatFloat(v, 'f', s.precision, 64), nil
}

type segment struct {
	literal string
	slot    *slot
}

// Parsed is the information recovered from an identifier.
type Parsed struct {
	Iteration int
	Metrics   map[string]float64
}

// Scheme renders and parses identifiers for one (version, template) pair.
// A Scheme is immutable and safe for concurrent use.
type Scheme struct {
	version  string
	template string
	prefix   string
	segments []segment
	groups   []*slot
	metrics  []string
	re       *regexp.Regexp
}

// New compiles template for version. Syntax errors, a missing iteration slot
// and templates whose rendered output could be split in more than one way are
// reported here rather than at parse time.
func New(version, template string) (*Scheme, error) {
	v := SanitizeVersion(version)
	if v == "" {
		return nil, &TemplateError{Template: template, Reason: fmt.Sprintf("version %q is empty after sanitising", version)}
	}
	t := SanitizeTemplate(template)
	segs, err := compile(t)
	if err != nil {
		return nil, err
	}

	s := &Scheme{version: v, template: t, prefix: Prefix + v + "_", segments: segs}

	var (
		sb           strings.Builder
		seen         = map[string]*slot{}
		hasIteration bool
		prevSlot     *slot
	)
	sb.WriteString("^")
	sb.WriteString(regexp.QuoteMeta(s.prefix))
	for _, seg := range segs {
		if seg.slot == nil {
			sb.WriteString(regexp.QuoteMeta(seg.literal))
			// Digits between numeric slots can be traded with the slots'
			// own digit runs, so they do not separate them.
			if !allDigits(seg.literal) {
				prevSlot = nil
			}
			continue
		}
		sl := seg.slot
		if prevSlot != nil {
			return nil, &TemplateAmbiguityError{Template: t, First: prevSlot.name, Second: sl.name}
		}
		if other, ok := seen[sl.name]; ok && other.spec != sl.spec {
			return nil, &TemplateAmbiguityError{Template: t, First: other.name + ":" + other.spec, Second: sl.name + ":" + sl.spec}
		}
		if _, ok := seen[sl.name]; !ok && sl.kind == slotMetric {
			s.metrics = append(s.metrics, sl.name)
		}
		seen[sl.name] = sl
		if sl.kind == slotIteration {
			hasIteration = true
		}
		sb.WriteString(sl.pattern())
		s.groups = append(s.groups, sl)
		prevSlot = sl
	}
	sb.WriteString("$")

	if !hasIteration {
		return nil, &TemplateError{Template: t, Reason: "template needs an {epoch} slot"}
	}

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, &TemplateError{Template: t, Reason: err.Error()}
	}
	s.re = re
	return s, nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func compile(t string) ([]segment, error) {
	var (
		segs []segment
		lit  strings.Builder
	)
	flush := func() {
		if lit.Len() > 0 {
			segs = append(segs, segment{literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(t); i++ {
		c := t[i]
		switch {
		case c == '{' && i+1 < len(t) && t[i+1] == '{':
			lit.WriteByte('{')
			i++
		case c == '}' && i+1 < len(t) && t[i+1] == '}':
			lit.WriteByte('}')
			i++
		case c == '}':
			return nil, &TemplateError{Template: t, Reason: fmt.Sprintf("unmatched '}' at offset %d", i)}
		case c == '{':
			end := strings.IndexByte(t[i:], '}')
			if end < 0 {
				return nil, &TemplateError{Template: t, Reason: fmt.Sprintf("unclosed '{' at offset %d", i)}
			}
			sl, err := parseSlot(t, t[i+1:i+end])
			if err != nil {
				return nil, err
			}
			flush()
			segs = append(segs, segment{slot: sl})
			i += end
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return segs, nil
}

func parseSlot(t, body string) (*slot, error) {
	name, spec, _ := strings.Cut(body, ":")
	if !slotName.MatchString(name) {
		return nil, &TemplateError{Template: t, Reason: fmt.Sprintf("invalid slot name %q", name)}
	}

	if name == "epoch" || name == "iteration" {
		sl := &slot{name: "epoch", spec: spec, kind: slotIteration, width: defaultIterationWidth}
		if spec == "" {
			return sl, nil
		}
		m := iterationSpec.FindStringSubmatch(spec)
		if m == nil {
			return nil, &TemplateError{Template: t, Reason: fmt.Sprintf("slot %q: unsupported spec %q (want d or 0Nd)", name, spec)}
		}
		sl.width = 0
		if m[2] != "" {
			sl.width, _ = strconv.Atoi(m[2])
		}
		return sl, nil
	}

	sl := &slot{name: name, spec: spec, kind: slotMetric, precision: defaultMetricPrecision}
	if spec == "" {
		return sl, nil
	}
	m := metricSpec.FindStringSubmatch(spec)
	if m == nil {
		return nil, &TemplateError{Template: t, Reason: fmt.Sprintf("slot %q: unsupported spec %q (want .Nf or f)", name, spec)}
	}
	sl.precision = pythonFloatPrecision
	if m[2] != "" {
		sl.precision, _ = strconv.Atoi(m[2])
	}
	return sl, nil
}

// Version returns the sanitised version tag.
func (s *Scheme) Version() string { return s.version }

// Template returns the sanitised template.
func (s *Scheme) Template() string { return s.template }

// Prefix returns the version prefix shared by all identifiers of this scheme.
func (s *Scheme) Prefix() string { return s.prefix }

// Slots returns the metric slot names in template order.
func (s *Scheme) Slots() []string {
	return append([]string(nil), s.metrics...)
}

// HasSlot reports whether metric is rendered into identifiers.
func (s *Scheme) HasSlot(metric string) bool {
	for _, m := range s.metrics {
		if m == metric {
			return true
		}
	}
	return false
}

// Render builds the identifier for iteration and metrics. Metrics not named
// by the template are ignored.
func (s *Scheme) Render(iteration int, metrics map[string]float64) (string, error) {
	if iteration < 0 {
		return "", fmt.Errorf("naming: negative iteration %d", iteration)
	}
	var sb strings.Builder
	sb.WriteString(s.prefix)
	for _, seg := range s.segments {
		if seg.slot == nil {
			sb.WriteString(seg.literal)
			continue
		}
		out, err := seg.slot.render(iteration, metrics)
		if err != nil {
			return "", err
		}
		sb.WriteString(out)
	}
	return sb.String(), nil
}

// Parse recovers iteration and metric values from id. Only identifiers this
// scheme could have rendered are accepted.
func (s *Scheme) Parse(id string) (Parsed, error) {
	if !strings.HasPrefix(id, s.prefix) {
		if strings.HasPrefix(id, Prefix) {
			return Parsed{}, &ParseError{ID: id, Reason: "belongs to another version", Err: ErrVersionMismatch}
		}
		return Parsed{}, &ParseError{ID: id, Reason: "missing " + s.prefix + " prefix"}
	}

	m := s.re.FindStringSubmatch(id)
	if m == nil {
		return Parsed{}, &ParseError{ID: id, Reason: "does not match template " + s.template}
	}

	p := Parsed{Iteration: -1, Metrics: make(map[string]float64, len(s.metrics))}
	for i, sl := range s.groups {
		raw := m[i+1]
		if sl.kind == slotIteration {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return Parsed{}, &ParseError{ID: id, Reason: "iteration out of range", Err: err}
			}
			if p.Iteration >= 0 && p.Iteration != n {
				return Parsed{}, &ParseError{ID: id, Reason: "conflicting iteration values"}
			}
			p.Iteration = n
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Parsed{}, &ParseError{ID: id, Reason: "bad value for " + sl.name, Err: err}
		}
		if prev, ok := p.Metrics[sl.name]; ok && prev != v {
			return Parsed{}, &ParseError{ID: id, Reason: "conflicting values for " + sl.name}
		}
		p.Metrics[sl.name] = v
	}

	// Reject non-canonical spellings (extra leading zeros and the like) so
	// that Parse stays the exact left inverse of Render.
	again, err := s.Render(p.Iteration, p.Metrics)
	if err != nil || again != id {
		return Parsed{}, &ParseError{ID: id, Reason: "not in canonical form"}
	}
	return p, nil
}

// Matches reports whether id parses under this scheme.
func (s *Scheme) Matches(id string) bool {
	_, err := s.Parse(id)
	return err == nil
}

// ParseAll parses every identifier in ids, skipping the ones that do not
// belong to this scheme. The skipped identifiers are returned sorted.
func (s *Scheme) ParseAll(ids []string) (map[string]Parsed, []string) {
	ok := make(map[string]Parsed, len(ids))
	var skipped []string
	for _, id := range ids {
		p, err := s.Parse(id)
		if err != nil {
			skipped = append(skipped, id)
			continue
		}
		ok[id] = p
	}
	sort.Strings(skipped)
	return ok, skipped
}

// ErrVersionMismatch marks identifiers that carry another model version.
var ErrVersionMismatch = errors.New("snapshot version mismatch")
