package roster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRosterServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/courses/CS101/teachers/prof", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/courses/CS101/students", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string][]string{"student_ids": {"alice", "bob"}})
	})
	mux.HandleFunc("/courses/BROKEN/students", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/students/alice", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(Student{Email: "alice@example.edu", Name: "Alice"})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	c := New(newRosterServer(t).URL)

	ok, err := c.IsTeacherOfCourse(ctx, "prof", "CS101")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.IsTeacherOfCourse(ctx, "alice", "CS101")
	require.NoError(t, err)
	assert.False(t, ok)

	students, err := c.ListEnrolledStudents(ctx, "CS101")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, students)

	_, err = c.ListEnrolledStudents(ctx, "BROKEN")
	assert.ErrorContains(t, err, "500")

	st, err := c.Student(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", st.ID)
	assert.Equal(t, "alice@example.edu", st.Email)

	_, err = c.Student(ctx, "zed")
	assert.ErrorIs(t, err, ErrUnknownStudent)

	assert.NoError(t, c.Health(ctx))
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	_, err := New(srv.URL).IsTeacherOfCourse(context.Background(), "prof", "CS101")
	assert.Error(t, err)
}

func TestLoadStatic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[courses.CS101]
teachers = ["prof"]
students = ["alice", "bob"]

[students.alice]
email = "alice@example.edu"
name = "Alice"
`), 0o600))

	s, err := LoadStatic(path)
	require.NoError(t, err)
	ctx := context.Background()

	ok, _ := s.IsTeacherOfCourse(ctx, "prof", "CS101")
	assert.True(t, ok)
	ok, _ = s.IsTeacherOfCourse(ctx, "prof", "MA201")
	assert.False(t, ok)

	students, _ := s.ListEnrolledStudents(ctx, "CS101")
	assert.Equal(t, []string{"alice", "bob"}, students)

	st, err := s.Student(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", st.ID)
	assert.Equal(t, "Alice", st.Name)

	_, err = s.Student(ctx, "bob")
	assert.ErrorIs(t, err, ErrUnknownStudent)
}
