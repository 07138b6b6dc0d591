package richtext

import "strings"

const backgroundProperty = "background-color"

// Highlight sets background-color on n and every element below it. Nested
// inline elements do not inherit a parent's background in every renderer.
func Highlight(n *Node, color string) {
	n.Walk(func(el *Node) bool {
		if el.Type == ElementNode {
			setStyle(el, backgroundProperty, color)
		}
		return true
	})
}

// ClearHighlight removes a background-color previously set by Highlight, but
// only where it still holds one of the given colors.
func ClearHighlight(n *Node, colors ...string) {
	n.Walk(func(el *Node) bool {
		if el.Type != ElementNode {
			return true
		}
		current, ok := styleValue(el, backgroundProperty)
		if !ok {
			return true
		}
		for _, c := range colors {
			if strings.EqualFold(current, c) {
				removeStyle(el, backgroundProperty)
				break
			}
		}
		return true
	})
}

type declaration struct {
	property string
	value    string
}

func parseStyle(raw string) []declaration {
	var decls []declaration
	for _, part := range strings.Split(raw, ";") {
		prop, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		prop = strings.ToLower(strings.TrimSpace(prop))
		if prop == "" {
			continue
		}
		decls = append(decls, declaration{property: prop, value: strings.TrimSpace(value)})
	}
	return decls
}

func formatStyle(decls []declaration) string {
	parts := make([]string, 0, len(decls))
	for _, d := range decls {
		parts = append(parts, d.property+": "+d.value+";")
	}
	return strings.Join(parts, " ")
}

func styleValue(n *Node, property string) (string, bool) {
	raw, ok := n.Attr("style")
	if !ok {
		return "", false
	}
	for _, d := range parseStyle(raw) {
		if d.property == property {
			return d.value, true
		}
	}
	return "", false
}

func setStyle(n *Node, property, value string) {
	raw, _ := n.Attr("style")
	decls := parseStyle(raw)
	replaced := false
	for i := range decls {
		if decls[i].property == property {
			decls[i].value = value
			replaced = true
		}
	}
	if !replaced {
		decls = append(decls, declaration{property: property, value: value})
	}
	n.SetAttr("style", formatStyle(decls))
}

func removeStyle(n *Node, property string) {
	raw, _ := n.Attr("style")
	decls := parseStyle(raw)
	kept := decls[:0]
	for _, d := range decls {
		if d.property != property {
			kept = append(kept, d)
		}
	}
	if len(kept) == 0 {
		n.RemoveAttr("style")
		return
	}
	n.SetAttr("style", formatStyle(kept))
}
