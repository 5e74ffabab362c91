package roster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrUnknownStudent is returned when the directory has no such student.
var ErrUnknownStudent = errors.New("unknown student")

// Student is the directory entry used to address a delivery.
type Student struct {
	ID    string `json:"id" toml:"-"`
	Email string `json:"email" toml:"email"`
	Name  string `json:"name" toml:"name"`
}

// Client calls the course membership service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New creates a client with a bounded request timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// IsTeacherOfCourse asks whether userID teaches courseID. A 404 means no.
func (c *Client) IsTeacherOfCourse(ctx context.Context, userID, courseID string) (bool, error) {
	resp, err := c.get(ctx, "/courses/"+url.PathEscape(courseID)+"/teachers/"+url.PathEscape(userID))
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 300:
		return false, statusError(resp)
	}
	return true, nil
}

// ListEnrolledStudents returns the students enrolled in courseID.
func (c *Client) ListEnrolledStudents(ctx context.Context, courseID string) ([]string, error) {
	resp, err := c.get(ctx, "/courses/"+url.PathEscape(courseID)+"/students")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}
	var out struct {
		StudentIDs []string `json:"student_ids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.StudentIDs, nil
}

// Student looks up a student's contact details.
func (c *Client) Student(ctx context.Context, studentID string) (Student, error) {
	resp, err := c.get(ctx, "/students/"+url.PathEscape(studentID))
	if err != nil {
		return Student{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Student{}, ErrUnknownStudent
	case resp.StatusCode >= 300:
		return Student{}, statusError(resp)
	}
	var out Student
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Student{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.ID == "" {
		out.ID = studentID
	}
	return out, nil
}

// Health checks if the roster service is available.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.get(ctx, "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("roster service unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("roster service request failed: %w", err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("roster service error %s: %s", resp.Status, string(body))
}
