package store

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/dunamismax/viewflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *[]byte:
			*p = r.values[i].([]byte)
		case *int:
			*p = r.values[i].(int)
		case *time.Time:
			*p = r.values[i].(time.Time)
		default:
			return errors.New("unexpected destination type")
		}
	}
	return nil
}

func jobRow(views, outputs string) fakeRow {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return fakeRow{values: []any{
		"job-1", "user-1", domain.JobStatusSucceeded, domain.SourceTypeLocalFile, "", "/tmp/in.png",
		[]byte(views), []byte(outputs), "", 2, at, at,
	}}
}

func TestScanJobDecodesJSONColumns(t *testing.T) {
	job, err := scanJob(jobRow(
		`[{"id":"v0","transform":{"input_size":[96,128]}}]`,
		`[{"step_id":"v0","tensor_path":"views/job-1/v0.tensor","dtype":"float32","shape":[3,96,128],"bytes":10,"width":128,"height":96,"success":true}]`,
	))
	require.NoError(t, err)

	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, 2, job.Attempts)
	require.Len(t, job.Views, 1)
	require.NotNil(t, job.Views[0].Transform.InputSize)
	assert.Equal(t, 96, job.Views[0].Transform.InputSize.Height)
	assert.Equal(t, 128, job.Views[0].Transform.InputSize.Width)
	require.Len(t, job.Outputs, 1)
	assert.Equal(t, []int{3, 96, 128}, job.Outputs[0].Shape)
}

func TestScanJobRejectsBadJSON(t *testing.T) {
	_, err := scanJob(jobRow(`{`, `[]`))
	assert.ErrorContains(t, err, "decode views column")
}

func TestReturnedMapsNoRows(t *testing.T) {
	_, err := returned(fakeRow{err: sql.ErrNoRows}, "missing", "finish job")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = returned(fakeRow{err: errors.New("conn reset")}, "job-1", "finish job")
	assert.ErrorContains(t, err, "finish job job-1: conn reset")
}

func TestNonNilOutputs(t *testing.T) {
	data, err := jsonColumn(nonNilOutputs(nil), "outputs")
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}
