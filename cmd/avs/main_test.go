package main

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"avs/internal/task"
	"avs/internal/trigger"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "avs "+Version+"\n", out)
}

func TestCommandTree(t *testing.T) {
	root := NewRootCommand()
	for _, name := range []string{"run", "task", "seed", "version"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("log-level"))
}

func TestArgumentValidation(t *testing.T) {
	_, err := execute(t, "version", "extra")
	assert.Error(t, err)

	_, err = execute(t, "task", "a.wav", "b.wav")
	assert.Error(t, err)

	_, err = execute(t, "run", "unexpected")
	assert.Error(t, err)
}

func TestInvalidConfigFailsBeforeDocker(t *testing.T) {
	t.Setenv("AVS_INFERENCE_PORT", "70000")
	_, err := execute(t, "task", "clip.wav", "--checker", "127.0.0.1:1", "--config", t.TempDir()+"/missing.yaml", "--env-file", t.TempDir()+"/missing.env")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inference.port")
}

func TestPrintSummary(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var out bytes.Buffer
	printSummary(&out, task.Summary{
		FileReference:  "clip.wav",
		ProcessedCount: 2,
		Submitted:      1,
		Skipped:        1,
		Transactions:   []string{"0xabc"},
	})
	text := out.String()
	assert.Contains(t, text, "clip.wav")
	assert.Contains(t, text, "processed 2")
	assert.Contains(t, text, "submitted 1")
	assert.Contains(t, text, "tx 0xabc")

	out.Reset()
	printSummary(&out, task.Summary{FileReference: "empty.wav", NoWork: true})
	assert.True(t, strings.Contains(out.String(), "no work"))
}

type levelRecorder struct{ lines []string }

func (r *levelRecorder) record(level, format string, args ...any) {
	r.lines = append(r.lines, level+" "+fmt.Sprintf(format, args...))
}

func (r *levelRecorder) Debug(format string, args ...any) { r.record("DEBUG", format, args...) }
func (r *levelRecorder) Info(format string, args ...any)  { r.record("INFO", format, args...) }
func (r *levelRecorder) Warn(format string, args ...any)  { r.record("WARN", format, args...) }
func (r *levelRecorder) Error(format string, args ...any) { r.record("ERROR", format, args...) }

func TestLogOutcomeLevels(t *testing.T) {
	rec := &levelRecorder{}
	observe := logOutcome(rec)
	req := trigger.Request{FileReference: "a.wav", Origin: "evm:NewTaskCreated"}

	observe(req, task.Summary{}, &task.StatusError{Status: http.StatusNotFound, Body: "no such file"})
	observe(req, task.Summary{}, &task.StatusError{Status: http.StatusServiceUnavailable})
	observe(req, task.Summary{NoWork: true}, nil)

	require.Len(t, rec.lines, 3)
	assert.True(t, strings.HasPrefix(rec.lines[0], "ERROR "), rec.lines[0])
	assert.Contains(t, rec.lines[0], "failed permanently")
	assert.True(t, strings.HasPrefix(rec.lines[1], "WARN "), rec.lines[1])
	assert.Equal(t, `INFO Task "a.wav" from evm:NewTaskCreated: no work`, rec.lines[2])
}
