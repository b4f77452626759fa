package ralph

import "time"

// TodoProgress summarizes one session's todo completion and projects the
// remaining effort from observed per-todo durations.
type TodoProgress struct {
	Total                int       `json:"total"`
	Completed            int       `json:"completed"`
	InProgress           int       `json:"inProgress"`
	Pending              int       `json:"pending"`
	PercentComplete      float64   `json:"percentComplete"`
	EstimatedRemainingMs int64     `json:"estimatedRemainingMs"`
	ProjectedCompletion  time.Time `json:"projectedCompletionAt,omitzero"`
}

// TodoProgress computes the current progress summary.
func (t *Tracker) TodoProgress() TodoProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.todoProgressLocked(t.clock.Now())
}

func (t *Tracker) todoProgressLocked(now time.Time) TodoProgress {
	total, completed, inProgress, pending := t.todos.counts()
	p := TodoProgress{
		Total:      total,
		Completed:  completed,
		InProgress: inProgress,
		Pending:    pending,
	}
	if total == 0 {
		return p
	}
	p.PercentComplete = 100 * float64(completed) / float64(total)

	remaining := total - completed
	switch {
	case remaining == 0:
		// done
	case t.todos.averageCompletionMs() > 0:
		p.EstimatedRemainingMs = t.todos.averageCompletionMs() * int64(remaining)
	case completed > 0 && !t.firstTodoAt.IsZero():
		elapsed := now.Sub(t.firstTodoAt).Milliseconds()
		p.EstimatedRemainingMs = elapsed / int64(completed) * int64(remaining)
	default:
		var sum int64
		for _, td := range t.todos.todos {
			if td.Status != TodoCompleted {
				sum += td.EstimatedDurationMs
			}
		}
		p.EstimatedRemainingMs = sum
	}
	if p.EstimatedRemainingMs > 0 {
		p.ProjectedCompletion = now.Add(time.Duration(p.EstimatedRemainingMs) * time.Millisecond)
	}
	return p
}

// ConfidenceReport scores how certain the tracker is that the loop has
// genuinely finished, on a 0-100 scale.
type ConfidenceReport struct {
	Score     int  `json:"score"`
	Confident bool `json:"confident"` // score >= 70
}

const confidenceThreshold = 70

// CompletionConfidence computes the on-demand confidence score.
func (t *Tracker) CompletionConfidence() ConfidenceReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	score := 0
	if t.sawTaggedSentinel {
		score += 30
	}
	if t.lastPhraseMatched {
		score += 25
	}
	if total, completed, _, _ := t.todos.counts(); total > 0 && completed == total {
		score += 20
	}
	if t.lastBlock != nil && t.lastBlock.ExitSignal {
		score += 15
	}
	if t.completionIndicators >= 2 {
		score += 10
	}
	if t.lastPhraseInPrompt {
		score -= 20
	} else if t.lastPhrase != "" {
		score += 10
	}
	if t.loop.Active {
		score += 10
	}
	if t.lastPhrase != "" && t.phrases.seen[normalizePhrase(t.lastPhrase)] >= 2 {
		score += 15
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return ConfidenceReport{Score: score, Confident: score >= confidenceThreshold}
}
