package outline

import (
	"errors"
	"sync"
)

var (
	ErrSectionNotFound = errors.New("section not found")
	ErrCommentNotFound = errors.New("comment not found")
)

type Change struct {
	Index   int
	Section Section
}

// State is the shared outline of one bid. Writers never touch a published
// Section: every update stores a fresh copy in the slot, so a snapshot handed
// to a reader stays stable.
type State struct {
	mu          sync.RWMutex
	bidID       string
	sections    []Section
	nextSub     int
	subscribers map[int]func(Change)
}

func NewState(bidID string, sections []Section) *State {
	copied := make([]Section, len(sections))
	for i, s := range sections {
		copied[i] = s.Clone()
	}
	return &State{
		bidID:       bidID,
		sections:    copied,
		subscribers: make(map[int]func(Change)),
	}
}

func (s *State) BidID() string {
	return s.bidID
}

func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sections)
}

func (s *State) Sections() []Section {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Section, len(s.sections))
	for i, sec := range s.sections {
		out[i] = sec.Clone()
	}
	return out
}

func (s *State) Section(index int) (Section, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.sections) {
		return Section{}, false
	}
	return s.sections[index].Clone(), true
}

func (s *State) IndexOf(sectionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, sec := range s.sections {
		if sec.ID == sectionID {
			return i
		}
	}
	return -1
}

// Subscribe registers fn for every committed change. The returned func
// deregisters it.
func (s *State) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// Update applies fn to a copy of the section at index and publishes the
// result in place of the old value.
func (s *State) Update(index int, fn func(Section) (Section, error)) (Section, error) {
	return s.update(func([]Section) int { return index }, fn)
}

func (s *State) updateByID(sectionID string, fn func(Section) (Section, error)) (Section, error) {
	return s.update(func(sections []Section) int {
		for i, sec := range sections {
			if sec.ID == sectionID {
				return i
			}
		}
		return -1
	}, fn)
}

func (s *State) update(locate func([]Section) int, fn func(Section) (Section, error)) (Section, error) {
	s.mu.Lock()
	index := locate(s.sections)
	if index < 0 || index >= len(s.sections) {
		s.mu.Unlock()
		return Section{}, ErrSectionNotFound
	}
	next, err := fn(s.sections[index].Clone())
	if err != nil {
		s.mu.Unlock()
		return Section{}, err
	}
	next = next.Clone()
	s.sections[index] = next
	subs := s.snapshotSubscribers()
	s.mu.Unlock()

	notify(subs, Change{Index: index, Section: next.Clone()})
	return next.Clone(), nil
}

func (s *State) ReplaceSection(index int, section Section) error {
	_, err := s.Update(index, func(Section) (Section, error) {
		return section, nil
	})
	return err
}

func (s *State) SetAnswer(index int, answer string) error {
	_, err := s.Update(index, func(sec Section) (Section, error) {
		sec.Answer = answer
		return sec, nil
	})
	return err
}

func (s *State) Append(section Section) int {
	s.mu.Lock()
	s.sections = append(s.sections, section.Clone())
	index := len(s.sections) - 1
	subs := s.snapshotSubscribers()
	s.mu.Unlock()
	notify(subs, Change{Index: index, Section: section.Clone()})
	return index
}

func (s *State) Remove(index int) error {
	s.mu.Lock()
	if index < 0 || index >= len(s.sections) {
		s.mu.Unlock()
		return ErrSectionNotFound
	}
	next := make([]Section, 0, len(s.sections)-1)
	next = append(next, s.sections[:index]...)
	next = append(next, s.sections[index+1:]...)
	s.sections = next
	s.mu.Unlock()
	return nil
}

func (s *State) Comments(sectionID string) []Comment {
	index := s.IndexOf(sectionID)
	sec, ok := s.Section(index)
	if !ok {
		return nil
	}
	return sec.Comments
}

func (s *State) AddComment(sectionID string, comment Comment) error {
	_, err := s.updateByID(sectionID, func(sec Section) (Section, error) {
		comment.SectionID = sectionID
		if comment.Replies == nil {
			comment.Replies = []Reply{}
		}
		sec.Comments = append(sec.Comments, comment)
		return sec, nil
	})
	return err
}

// ResolveComment marks a comment resolved. It reports false when the comment
// does not exist or was already resolved.
func (s *State) ResolveComment(sectionID, commentID string) (bool, error) {
	changed := false
	_, err := s.updateByID(sectionID, func(sec Section) (Section, error) {
		for i := range sec.Comments {
			if sec.Comments[i].ID == commentID && !sec.Comments[i].Resolved {
				sec.Comments[i].Resolved = true
				changed = true
			}
		}
		return sec, nil
	})
	return changed, err
}

func (s *State) AddReply(sectionID, commentID string, reply Reply) (Comment, error) {
	var updated Comment
	_, err := s.updateByID(sectionID, func(sec Section) (Section, error) {
		for i := range sec.Comments {
			if sec.Comments[i].ID == commentID {
				sec.Comments[i].Replies = append(sec.Comments[i].Replies, reply)
				updated = sec.Comments[i]
				return sec, nil
			}
		}
		return sec, ErrCommentNotFound
	})
	return updated, err
}

func (s *State) Feedback(sectionID string) []AnswerFeedback {
	sec, ok := s.Section(s.IndexOf(sectionID))
	if !ok {
		return nil
	}
	return sec.AnswerFeedback
}

func (s *State) AddFeedback(sectionID string, feedback AnswerFeedback) error {
	_, err := s.updateByID(sectionID, func(sec Section) (Section, error) {
		sec.AnswerFeedback = append(sec.AnswerFeedback, feedback)
		return sec, nil
	})
	return err
}

func (s *State) ResolveFeedback(sectionID, feedbackID string) (bool, error) {
	changed := false
	_, err := s.updateByID(sectionID, func(sec Section) (Section, error) {
		for i := range sec.AnswerFeedback {
			if sec.AnswerFeedback[i].ID == feedbackID && !sec.AnswerFeedback[i].Resolved {
				sec.AnswerFeedback[i].Resolved = true
				changed = true
			}
		}
		return sec, nil
	})
	return changed, err
}

func (s *State) snapshotSubscribers() []func(Change) {
	subs := make([]func(Change), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	return subs
}

func notify(subs []func(Change), change Change) {
	for _, fn := range subs {
		fn(change)
	}
}
