package cli

import (
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	streamFile = "testdata/stream.jsonl"
	threadFile = "testdata/thread.jsonl"
)

// decode unmarshals the data of a JSON response into v.
func decode(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func TestIngest_Text(t *testing.T) {
	out, err := execute(t, "ingest", streamFile)
	require.NoError(t, err)

	assert.Contains(t, out, "ingested 12 records")
	assert.Contains(t, out, "malformed")
	assert.Contains(t, out, "rejected")
}

func TestIngest_JSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "ingest", streamFile, threadFile)
	require.NoError(t, err)

	var report struct {
		Records   int `json:"records"`
		Posts     int `json:"posts"`
		Malformed int `json:"malformed"`
	}
	decode(t, out, &report)
	assert.Equal(t, 19, report.Records)
	assert.Equal(t, 9, report.Posts)
	assert.Equal(t, 1, report.Malformed)
}

func TestIngest_Strict(t *testing.T) {
	_, err := execute(t, "ingest", "--strict", streamFile)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = execute(t, "ingest", "--strict", threadFile)
	require.NoError(t, err)
}

func TestIngest_MissingFile(t *testing.T) {
	_, err := execute(t, "ingest", filepath.Join(t.TempDir(), "nope.jsonl"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestQuery_JSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "query", "--stream", threadFile, "user:bob")
	require.NoError(t, err)

	var result QueryResult
	decode(t, out, &result)
	assert.Equal(t, `user:"bob"`, result.Query)

	ids := make([]uint64, 0, len(result.Posts))
	for _, p := range result.Posts {
		ids = append(ids, p.ID)
		assert.Equal(t, "bob", p.Author)
	}
	assert.Equal(t, []uint64{21, 23, 30}, ids)
}

func TestQuery_TextDescribe(t *testing.T) {
	out, err := execute(t, "query", "--describe", "-s", threadFile, `text:"noon"`)
	require.NoError(t, err)

	assert.Contains(t, out, `query: text:"noon"`)
	assert.Contains(t, out, "22 @alice @bob noon then")
	assert.NotContains(t, out, "21 @bob")
}

func TestQuery_TextRegex(t *testing.T) {
	out, err := execute(t, "query", "-s", threadFile, `text:"^@(alice|bob) (sure|noon)", false, true`)
	require.NoError(t, err)

	assert.Contains(t, out, "21 @bob")
	assert.Contains(t, out, "22 @alice")
	assert.NotContains(t, out, "23 @bob")
}

func TestQuery_ListSettles(t *testing.T) {
	out, err := execute(t, "--format", "json", "query", "-s", streamFile, "--settle", "5s", "list:me,friends")
	require.NoError(t, err)

	var result QueryResult
	decode(t, out, &result)
	require.Len(t, result.Posts, 1)
	assert.Equal(t, uint64(12), result.Posts[0].ID)
	assert.Equal(t, uint64(10), result.Posts[0].Repost)
}

func TestQuery_Invalid(t *testing.T) {
	out, err := execute(t, "--format", "json", "query", "user:alice & | dmsg")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, ErrCodeInvalidQuery)
}

func TestTrace(t *testing.T) {
	out, err := execute(t, "trace", "-s", threadFile, "22")
	require.NoError(t, err)

	assert.Contains(t, out, "trace point: 20")
	assert.Contains(t, out, "20 @alice anyone up for lunch\n")
	assert.Contains(t, out, "\n  21 @bob @alice sure\n    22 @alice @bob noon then\n")
	assert.Contains(t, out, "\n  23 @bob @alice bringing carol\n")
	assert.NotContains(t, out, "unrelated")
}

func TestTrace_JSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "trace", "-s", threadFile, "21")
	require.NoError(t, err)

	var result TraceResult
	decode(t, out, &result)
	assert.Equal(t, uint64(21), result.Seed)
	assert.Equal(t, uint64(20), result.TracePoint)
	assert.True(t, result.Complete)
	require.NotNil(t, result.Root)
	require.Len(t, result.Root.Replies, 2)
	assert.Equal(t, uint64(21), result.Root.Replies[0].ID)
	assert.Equal(t, uint64(23), result.Root.Replies[1].ID)
}

func TestTrace_BadSeed(t *testing.T) {
	_, err := execute(t, "trace", "abc")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStats_Text(t *testing.T) {
	out, err := execute(t, "stats", "-s", threadFile)
	require.NoError(t, err)

	assert.Contains(t, out, "stored_posts: 5")
	assert.Contains(t, out, "stored_users: 2")
	assert.Contains(t, out, "posts:\n")
}

func TestStats_PersistentStore(t *testing.T) {
	t.Setenv("SKEIN_STORE_DIR", t.TempDir())
	t.Setenv("SKEIN_STORE_MODE", "persistent")

	_, err := executeIn(t, "ingest", threadFile)
	require.NoError(t, err)

	out, err := executeIn(t, "--format", "json", "stats")
	require.NoError(t, err)

	var st struct {
		StoredPosts int `json:"stored_posts"`
		Posts       struct {
			Live int `json:"live"`
		} `json:"posts"`
	}
	decode(t, out, &st)
	assert.Equal(t, 5, st.StoredPosts)
	assert.Equal(t, 5, st.Posts.Live)
}

func TestIngest_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "skein.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  dir: "+dir+"\n  mode: persistent\n"), 0o644))

	_, err := executeIn(t, "--config", cfgPath, "ingest", threadFile)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "skein.db"))
}

func TestCheck(t *testing.T) {
	out, err := execute(t, "check", "user:alice|user:bob", "(dmsg|retweeted)!")
	require.NoError(t, err)

	assert.Contains(t, out, `ok user:"alice" | user:"bob"`)
	assert.Contains(t, out, "ok (dmsg | retweeted)!")
}

func TestCheck_Invalid(t *testing.T) {
	out, err := execute(t, "--format", "json", "check", "dmsg", "nosuch:1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var results []CheckResult
	decode(t, out, &results)
	require.Len(t, results, 2)
	assert.True(t, results[0].Valid)
	assert.False(t, results[1].Valid)
	assert.Contains(t, results[1].Error, "unknown filter")
}

func TestCheck_List(t *testing.T) {
	out, err := execute(t, "check", "--list")
	require.NoError(t, err)

	assert.Contains(t, out, "mtree")
	assert.Contains(t, out, `conv:"user1", "user2"`)
}

func TestCheck_NoArgs(t *testing.T) {
	_, err := execute(t, "check")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
