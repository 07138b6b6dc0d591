package annotate

import "tenderdesk/api/internal/outline"

// PositionStep is how far a comment card moves down when its preferred
// vertical position is already taken.
const PositionStep = 30

// AllocatePosition returns the first free position at or below preferred,
// stepping by PositionStep. Only unresolved comments hold a position.
func AllocatePosition(comments []outline.Comment, preferred int) int {
	taken := make(map[int]struct{}, len(comments))
	for _, c := range comments {
		if !c.Resolved {
			taken[c.Position] = struct{}{}
		}
	}
	position := preferred
	for {
		if _, ok := taken[position]; !ok {
			return position
		}
		position += PositionStep
	}
}
