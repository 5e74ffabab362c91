package roster

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/pelletier/go-toml/v2"
)

// Course lists the members of one course.
type Course struct {
	Teachers []string `toml:"teachers"`
	Students []string `toml:"students"`
}

// Static is an in-memory roster for development and tests.
type Static struct {
	Courses  map[string]Course  `toml:"courses"`
	Students map[string]Student `toml:"students"`
}

// LoadStatic reads a roster file:
//
//	[courses.CS101]
//	teachers = ["prof"]
//	students = ["alice", "bob"]
//
//	[students.alice]
//	email = "alice@example.edu"
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", path, err)
	}
	s := &Static{}
	if err := toml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}
	for id, st := range s.Students {
		st.ID = id
		s.Students[id] = st
	}
	return s, nil
}

func (s *Static) IsTeacherOfCourse(_ context.Context, userID, courseID string) (bool, error) {
	return slices.Contains(s.Courses[courseID].Teachers, userID), nil
}

func (s *Static) ListEnrolledStudents(_ context.Context, courseID string) ([]string, error) {
	return slices.Clone(s.Courses[courseID].Students), nil
}

func (s *Static) Student(_ context.Context, studentID string) (Student, error) {
	st, ok := s.Students[studentID]
	if !ok {
		return Student{}, ErrUnknownStudent
	}
	return st, nil
}
