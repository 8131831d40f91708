package uniqueness_test

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/scriptorium/internal/lock"
	"github.com/ashita-ai/scriptorium/internal/model"
	"github.com/ashita-ai/scriptorium/internal/service/uniqueness"
	"github.com/ashita-ai/scriptorium/internal/testutil"
)

const chapter = "The lighthouse keeper climbed the spiral stairs each evening, counting the steps " +
	"aloud so the silence would not swallow him. Below, the sea worried at the rocks."

func newDetector(t *testing.T, window int) (*uniqueness.Detector, string) {
	t.Helper()
	dir := t.TempDir()
	locks, err := lock.NewFileManager(filepath.Join(dir, "locks"), testutil.TestLogger())
	require.NoError(t, err)
	path := filepath.Join(dir, "registry", "uniqueness.jsonl")
	d, err := uniqueness.NewDetector(uniqueness.Config{
		RegistryPath: path,
		Window:       window,
		LockOptions:  lock.Options{Timeout: 5 * time.Second, Poll: time.Millisecond},
	}, locks, testutil.TestLogger())
	require.NoError(t, err)
	return d, path
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n
}

func TestSimhash_Identity(t *testing.T) {
	a := uniqueness.Simhash(chapter)
	assert.Equal(t, a, uniqueness.Simhash(chapter))
	assert.Equal(t, 1.0, uniqueness.Similarity(a, a))
	assert.Equal(t, a, uniqueness.Simhash(strings.ToUpper(chapter)), "tokens are case-folded")
}

func TestSimhash_ShortInputsArePadded(t *testing.T) {
	assert.NotPanics(t, func() { uniqueness.Simhash("") })
	assert.Equal(t, uniqueness.Simhash("one"), uniqueness.Simhash("ONE!"))
	assert.NotEqual(t, uniqueness.Simhash("one"), uniqueness.Simhash("two"))
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 0.0, uniqueness.Similarity(0, ^uint64(0)))
	assert.InDelta(t, 1-1.0/64, uniqueness.Similarity(0, 1), 1e-9)
}

func TestTokenize(t *testing.T) {
	assert.Empty(t, uniqueness.Tokenize(" -- "))
	assert.Equal(t, []string{"hello", "world", "42"}, uniqueness.Tokenize("Hello, WORLD -- 42!"))
}

func TestFingerprintRoundTrip(t *testing.T) {
	fp := uniqueness.Simhash(chapter)
	s := uniqueness.FormatFingerprint(fp)
	assert.Len(t, s, 16)
	got, err := uniqueness.ParseFingerprint(s)
	require.NoError(t, err)
	assert.Equal(t, fp, got)

	_, err = uniqueness.ParseFingerprint("not-hex")
	assert.Error(t, err)
}

func TestCheck_TwoScopes(t *testing.T) {
	d, path := newDetector(t, 0)
	ctx := context.Background()

	first, err := d.Check(ctx, chapter, "book-a", "run-1", "test")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionAccept, first.Decision)
	assert.Nil(t, first.BestMatch)
	assert.Equal(t, 0, first.Compared)

	same, err := d.Check(ctx, chapter, "book-a", "run-2", "test")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionAccept, same.Decision, "same scope never counts as a duplicate")

	other, err := d.Check(ctx, chapter, "book-b", "run-3", "test")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionRevise, other.Decision)
	assert.Equal(t, 1.0, other.Score)
	require.NotNil(t, other.BestMatch)
	assert.Equal(t, "book-a", other.BestMatch.ScopeID)
	assert.Equal(t, first.Fingerprint, other.Fingerprint)

	assert.Equal(t, 3, countLines(t, path))
}

func TestCheck_WindowLimitsComparisons(t *testing.T) {
	d, _ := newDetector(t, 2)
	ctx := context.Background()

	_, err := d.Check(ctx, chapter, "old", "", "")
	require.NoError(t, err)
	for i := range 2 {
		_, err := d.Check(ctx, "Entirely unrelated filler text number "+strings.Repeat("x", i+1), "filler", "", "")
		require.NoError(t, err)
	}

	res, err := d.Check(ctx, chapter, "new", "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Compared)
	assert.Equal(t, model.DecisionAccept, res.Decision, "the matching record fell out of the window")
}

func TestCheck_ConcurrentAppendsAreSerialized(t *testing.T) {
	d, path := newDetector(t, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Check(ctx, chapter, "scope", "run-"+string(rune('a'+i)), "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, countLines(t, path))
}

func TestCheck_SkipsMalformedLines(t *testing.T) {
	d, path := newDetector(t, 0)
	require.NoError(t, os.WriteFile(path, []byte("{not json\n\n"), 0o644))

	res, err := d.Check(context.Background(), chapter, "a", "", "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Compared)
}

func TestCompact_KeepsNewest(t *testing.T) {
	d, path := newDetector(t, 0)
	ctx := context.Background()
	for i := range 5 {
		_, err := d.Check(ctx, chapter, "s"+string(rune('0'+i)), "", "")
		require.NoError(t, err)
	}

	dropped, err := d.Compact(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, dropped)
	assert.Equal(t, 2, countLines(t, path))

	res, err := d.Check(ctx, chapter, "s0", "", "")
	require.NoError(t, err)
	require.NotNil(t, res.BestMatch)
	assert.Equal(t, "s3", res.BestMatch.ScopeID)
}
