package helpers

import (
	"fmt"
	"strings"

	"github.com/coral-mesh/etwtrace/internal/etw/sink"
)

// RenderFields renders an event's field tree in ASCII art format.
func RenderFields(ev *sink.Event) string {
	if ev == nil {
		return "No event recorded.\n"
	}

	var buf strings.Builder
	buf.WriteString(fmt.Sprintf("%s (level %d, keyword 0x%016x)\n", ev.Name, ev.Level, ev.Keyword))
	fields := ev.Fields()
	for i, f := range fields {
		buf.WriteString(renderField(f, "", i == len(fields)-1))
	}
	return buf.String()
}

// renderField renders a single field with proper indentation.
func renderField(f *sink.Field, prefix string, isLast bool) string {
	var buf strings.Builder

	connector := "├─"
	if isLast {
		connector = "└─"
	}

	if f.Struct {
		buf.WriteString(fmt.Sprintf("%s%s %s {%d}\n", prefix, connector, f.Name, len(f.Fields)))
	} else {
		buf.WriteString(fmt.Sprintf("%s%s %s %s = %v\n", prefix, connector, f.Name, f.Type, f.Value))
	}

	childPrefix := prefix
	if isLast {
		childPrefix += "  "
	} else {
		childPrefix += "│ "
	}

	for i, child := range f.Fields {
		buf.WriteString(renderField(child, childPrefix, i == len(f.Fields)-1))
	}

	return buf.String()
}
