package result

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func eqString(a, b string) bool { return a == b }

func naiveFilter(a, b []string) []string {
	out := []string{}
	for _, x := range a {
		if !slices.Contains(b, x) {
			out = append(out, x)
		}
	}
	return out
}

func TestDedupRuns(t *testing.T) {
	out, deletions := DedupRuns([]string{"a", "b", "c", "d"}, []string{"b", "c"}, eqString)
	assert.Equal(t, []string{"a", "d"}, out)
	assert.Equal(t, 1, deletions)

	out, deletions = DedupRuns([]string{"b", "a", "c"}, []string{"b", "c"}, eqString)
	assert.Equal(t, []string{"a"}, out)
	assert.Equal(t, 2, deletions)

	out, deletions = DedupRuns([]string{"b", "c"}, []string{"c", "b"}, eqString)
	assert.Empty(t, out)
	assert.Equal(t, 1, deletions)

	out, deletions = DedupRuns([]string{"a"}, nil, eqString)
	assert.Equal(t, []string{"a"}, out)
	assert.Equal(t, 0, deletions)
}

func TestDedupRunsMatchesNaiveFilter(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	alphabet := []string{"a", "b", "c", "d", "e"}
	pick := func(n int) []string {
		s := make([]string, n)
		for i := range s {
			s[i] = alphabet[rnd.Intn(len(alphabet))]
		}
		return s
	}
	for i := 0; i < 500; i++ {
		a, b := pick(rnd.Intn(10)), pick(rnd.Intn(4))
		out, _ := DedupRuns(a, b, eqString)
		assert.Equal(t, naiveFilter(a, b), append([]string{}, out...), "a=%v b=%v", a, b)
	}
}

func TestDedupRunsDoesNotModifyInput(t *testing.T) {
	a := []string{"a", "b", "c"}
	DedupRuns(a, []string{"b"}, eqString)
	assert.Equal(t, []string{"a", "b", "c"}, a)
}
