package annotate

import (
	"tenderdesk/api/internal/richtext"
)

var markerColors = []string{PendingColor, FeedbackColor, ActiveFeedbackColor}

func (m Marker) color() string {
	if m.Kind == KindFeedback && m.State != StatePending {
		if m.Highlighted {
			return ActiveFeedbackColor
		}
		return FeedbackColor
	}
	return PendingColor
}

func (m Marker) element() *richtext.Node {
	return richtext.NewElement("span",
		richtext.Attr{Key: "class", Val: m.Kind.Class()},
		richtext.Attr{Key: m.Kind.Attr(), Val: m.ID()},
	)
}

// Render wraps every live marker's range in clean with its span and returns
// the keys of markers whose range no longer fits the document. clean is
// modified in place.
func Render(clean *richtext.Document, markers []Marker) []string {
	ordered := append([]Marker(nil), markers...)
	sortMarkers(ordered)
	var dropped []string
	for _, m := range ordered {
		if m.State.Terminal() {
			continue
		}
		wrapper := m.element()
		if err := clean.WrapJoinable(m.Range, wrapper); err != nil {
			dropped = append(dropped, m.Key)
			continue
		}
		richtext.Highlight(wrapper, m.color())
	}
	return dropped
}

// Strip removes every marker span from doc in place and reports the range
// each marker key covered. A marker split into several spans reports the
// extent of all of them. Blocks a span had to cut are joined again.
func Strip(doc *richtext.Document) map[string]richtext.Range {
	spans := doc.Find(isMarker)
	found := make(map[string]richtext.Range, len(spans))
	for _, span := range spans {
		key, ok := markerKey(span)
		if !ok {
			continue
		}
		r, ok := doc.RangeOf(span)
		if !ok || r.Collapsed() {
			continue
		}
		if prev, seen := found[key]; seen {
			r.Start = min(r.Start, prev.Start)
			r.End = max(r.End, prev.End)
		}
		found[key] = r
	}
	for _, span := range spans {
		richtext.ClearHighlight(span, markerColors...)
		span.Unwrap()
	}
	doc.Rejoin()
	return found
}

func isMarker(n *richtext.Node) bool {
	if n.Type != richtext.ElementNode || n.Tag != "span" {
		return false
	}
	_, ok := markerKey(n)
	return ok
}

func markerKey(n *richtext.Node) (string, bool) {
	for kind := range kinds {
		if id, ok := n.Attr(kind.Attr()); ok {
			return KeyFromID(id)
		}
	}
	return "", false
}
