package model

import "time"

// Instance is a single run of a pipeline. It references its tasks but does
// not own them; State and TaskCounts are derived from the task set.
type Instance struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	PipelineName string        `json:"pipeline_name"`
	State        InstanceState `json:"state"`
	TaskCounts   TaskCounts    `json:"task_counts"` // Cached, rewritten by recompute
	Tasks        []Task        `json:"tasks,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// TaskCounts provides an aggregate count of task states within an Instance.
type TaskCounts struct {
	Total      int `json:"total"`
	Created    int `json:"created"`
	Submitted  int `json:"submitted"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Partial    int `json:"partial"`
	Error      int `json:"error"`
}

// ComputeTaskCounts calculates TaskCounts from a slice of Tasks.
func ComputeTaskCounts(tasks []*Task) TaskCounts {
	c := TaskCounts{Total: len(tasks)}
	for _, t := range tasks {
		switch t.State {
		case TaskStateCreated:
			c.Created++
		case TaskStateSubmitted:
			c.Submitted++
		case TaskStateProcessing:
			c.Processing++
		case TaskStateCompleted:
			c.Completed++
		case TaskStatePartial:
			c.Partial++
		case TaskStateError:
			c.Error++
		}
	}
	return c
}
