package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	entries    []Entry
	replaceErr error
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	snapshot := append([]Entry(nil), r.entries...)
	if err := fn(ctx, r); err != nil {
		r.entries = snapshot
		return err
	}
	return nil
}

func (r *memoryRepo) List(context.Context) ([]Entry, error) {
	return append([]Entry(nil), r.entries...), nil
}

func (r *memoryRepo) Replace(_ context.Context, entries []Entry) error {
	if r.replaceErr != nil {
		return r.replaceErr
	}
	r.entries = append([]Entry(nil), entries...)
	return nil
}

func TestPrepare(t *testing.T) {
	out, problems := Prepare([]Entry{
		{EmployeeName: " Alice ", Mail: " alice@example.com "},
		{EmployeeName: "", Mail: "ghost@example.com"},
		{EmployeeName: "Bob", Mail: ""},
		{EmployeeName: "Cara", Mail: "cara-at-example"},
	})
	require.Equal(t, []Entry{{EmployeeName: "Alice", Mail: "alice@example.com"}}, out)
	require.Len(t, problems, 1)
	require.Contains(t, problems[0], "Cara")
}

func TestMergeKeepsLast(t *testing.T) {
	merged := Merge(
		[]Entry{{EmployeeName: "Alice", Mail: "old@example.com"}, {EmployeeName: "Bob", Mail: "bob@example.com"}},
		[]Entry{{EmployeeName: "Alice", Mail: "new@example.com"}},
	)
	require.Equal(t, []Entry{
		{EmployeeName: "Bob", Mail: "bob@example.com"},
		{EmployeeName: "Alice", Mail: "new@example.com"},
	}, merged)
}

func TestServiceUpdate(t *testing.T) {
	repo := &memoryRepo{entries: []Entry{{EmployeeName: "Alice", Mail: "old@example.com"}}}
	svc := NewService(repo, nil)

	stats := svc.Update(context.Background(), []Entry{
		{EmployeeName: "Alice", Mail: "alice@example.com"},
		{EmployeeName: "Bob", Mail: "bob@example.com"},
	})
	require.Empty(t, stats.Errors)
	require.Equal(t, 2, stats.Saved)
	require.Equal(t, "alice@example.com", repo.entries[0].Mail)
}

func TestServiceUpdateReportsFailure(t *testing.T) {
	repo := &memoryRepo{
		entries:    []Entry{{EmployeeName: "Alice", Mail: "old@example.com"}},
		replaceErr: errors.New("permission denied"),
	}
	stats := NewService(repo, nil).Update(context.Background(), []Entry{{EmployeeName: "Bob", Mail: "bob@example.com"}})
	require.Zero(t, stats.Saved)
	require.Equal(t, []string{"Error updating employee email table: replace: permission denied"}, stats.Errors)
	require.Len(t, repo.entries, 1)
}

func TestServiceUpdateEmpty(t *testing.T) {
	stats := NewService(&memoryRepo{}, nil).Update(context.Background(), nil)
	require.Equal(t, Stats{}, stats)
}
