package mission

// Queue is the ordered list of a mission's goals with an explicit cursor.
// Goals are appended once at submission and never reordered; the cursor
// only moves forward. Completed goals stay in place so the whole mission
// remains inspectable for status reporting.
//
// Queue is owned by the supervisor loop and is not safe for concurrent
// use on its own.
type Queue struct {
	goals  []Goal
	cursor int
}

// NewQueue builds a queue over goals. The slice is copied.
func NewQueue(goals []Goal) *Queue {
	q := &Queue{goals: make([]Goal, len(goals))}
	copy(q.goals, goals)
	return q
}

// Len returns the number of goals in the mission.
func (q *Queue) Len() int { return len(q.goals) }

// Cursor returns the index of the current goal.
func (q *Queue) Cursor() int { return q.cursor }

// Current returns the goal under the cursor.
func (q *Queue) Current() (Goal, bool) {
	if q.cursor < 0 || q.cursor >= len(q.goals) {
		return Goal{}, false
	}
	return q.goals[q.cursor], true
}

// Advance moves the cursor to the next goal. It returns false, leaving
// the cursor in place, when the current goal is the last one, so a
// finished mission reports the final goal index, not one past it.
func (q *Queue) Advance() bool {
	if q.cursor >= len(q.goals)-1 {
		return false
	}
	q.cursor++
	return true
}

// Goals returns a copy of all goals, completed ones included.
func (q *Queue) Goals() []Goal {
	out := make([]Goal, len(q.goals))
	copy(out, q.goals)
	return out
}
