package goals

import (
	"context"
	"net/http"
	"time"
)

// Goal is a plain CRUD payload; the session core attaches no semantics to
// its fields.
type Goal struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Category    string     `json:"category"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// GoalInput carries the writable goal fields.
type GoalInput struct {
	Title       string     `json:"title"`
	Category    string     `json:"category,omitempty"`
	Description string     `json:"description,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

type goalListResponse struct {
	Goals []Goal `json:"goals"`
}

func (c *Client) ListGoals(ctx context.Context) ([]Goal, error) {
	var res goalListResponse
	if err := c.execute(ctx, http.MethodGet, "/goals", nil, &res, callOpts{}); err != nil {
		return nil, err
	}
	return res.Goals, nil
}

func (c *Client) GetGoal(ctx context.Context, id string) (*Goal, error) {
	var goal Goal
	if err := c.execute(ctx, http.MethodGet, "/goals/"+id, nil, &goal, callOpts{}); err != nil {
		return nil, err
	}
	return &goal, nil
}

func (c *Client) CreateGoal(ctx context.Context, in GoalInput) (*Goal, error) {
	var goal Goal
	if err := c.execute(ctx, http.MethodPost, "/goals", in, &goal, callOpts{}); err != nil {
		return nil, err
	}
	return &goal, nil
}

func (c *Client) UpdateGoal(ctx context.Context, id string, in GoalInput) (*Goal, error) {
	var goal Goal
	if err := c.execute(ctx, http.MethodPut, "/goals/"+id, in, &goal, callOpts{}); err != nil {
		return nil, err
	}
	return &goal, nil
}

func (c *Client) CompleteGoal(ctx context.Context, id string) (*Goal, error) {
	var goal Goal
	if err := c.execute(ctx, http.MethodPost, "/goals/"+id+"/complete", nil, &goal, callOpts{}); err != nil {
		return nil, err
	}
	return &goal, nil
}

func (c *Client) DeleteGoal(ctx context.Context, id string) error {
	return c.execute(ctx, http.MethodDelete, "/goals/"+id, nil, nil, callOpts{})
}
