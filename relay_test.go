package netdicom

import (
	"fmt"
	"testing"

	"github.com/pacslink/go-netdicom/dimse"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkInvariant(t *testing.T, p *Progress) {
	t.Helper()
	assert.Equal(t, p.Total, p.Remaining+p.Completed+p.Failed, "progress %v", p)
	assert.LessOrEqual(t, p.Warning, p.Completed, "progress %v", p)
}

func TestProgressRecord(t *testing.T) {
	p := newProgress(4)
	checkInvariant(t, p)
	p.record(dimse.Success, nil)
	checkInvariant(t, p)
	p.record(dimse.Status{Status: dimse.StatusWarning}, nil)
	checkInvariant(t, p)
	p.record(dimse.Status{Status: dimse.CStoreOutOfResources}, nil)
	checkInvariant(t, p)
	p.record(dimse.Status{}, errors.New("connection reset"))
	checkInvariant(t, p)
	assert.Equal(t, Progress{Total: 4, Completed: 2, Warning: 1, Failed: 2}, *p)
}

func TestProgressFinalStatus(t *testing.T) {
	p := newProgress(2)
	p.record(dimse.Success, nil)
	p.record(dimse.Success, nil)
	p.finish()
	assert.Equal(t, dimse.StatusSuccess, p.finalStatus().Status)

	p = newProgress(2)
	p.record(dimse.Status{Status: 0xb007}, nil)
	p.record(dimse.Success, nil)
	p.finish()
	assert.Equal(t, dimse.CMoveWarningSubOperationsFailed, p.finalStatus().Status)

	p = newProgress(3)
	p.record(dimse.Success, nil)
	p.finish()
	checkInvariant(t, p)
	assert.Equal(t, 2, p.Failed)
	assert.Equal(t, 0, p.Remaining)
	assert.Equal(t, dimse.CMoveWarningSubOperationsFailed, p.finalStatus().Status)
	assert.Contains(t, p.finalStatus().ErrorComment, "2 of 3")
}

func TestProgressCancelKeepsRemaining(t *testing.T) {
	p := newProgress(5)
	p.record(dimse.Success, nil)
	p.Cancelled = true
	p.finish()
	checkInvariant(t, p)
	assert.Equal(t, 4, p.Remaining)
	assert.Equal(t, 0, p.Failed)
	assert.Equal(t, dimse.StatusCancel, p.finalStatus().Status)
}

func TestProgressCounts(t *testing.T) {
	p := &Progress{Total: 70000, Remaining: 69990, Completed: 8, Failed: 2, Warning: 1}
	c := p.Counts()
	assert.Equal(t, uint16(0xffff), c.NumberOfRemainingSuboperations)
	assert.Equal(t, uint16(8), c.NumberOfCompletedSuboperations)
	assert.Equal(t, uint16(2), c.NumberOfFailedSuboperations)
	assert.Equal(t, uint16(1), c.NumberOfWarningSuboperations)

	back := progressFromCounts(newProgressCounts(3, 4, 1, 1))
	assert.Equal(t, Progress{Total: 8, Remaining: 3, Completed: 4, Failed: 1, Warning: 1}, back)
}

func newProgressCounts(remaining, completed, failed, warning uint16) dimse.SubOperationCounts {
	return dimse.SubOperationCounts{
		NumberOfRemainingSuboperations: remaining,
		NumberOfCompletedSuboperations: completed,
		NumberOfFailedSuboperations:    failed,
		NumberOfWarningSuboperations:   warning,
	}
}

func TestRelayObjects(t *testing.T) {
	objects := make([]StoreObject, 5)
	for i := range objects {
		objects[i].Label = fmt.Sprintf("obj%d", i)
	}
	p := newProgress(len(objects))
	var seen []Progress
	err := relayObjects(objects, p,
		func(obj *StoreObject) (dimse.Status, error) {
			if obj.Label == "obj2" {
				return dimse.Status{Status: dimse.StatusProcessingFailure}, nil
			}
			return dimse.Success, nil
		},
		func(obj *StoreObject, status dimse.Status) error {
			seen = append(seen, *p)
			return nil
		})
	require.NoError(t, err)
	require.Len(t, seen, 5)
	for i, s := range seen {
		assert.Equal(t, 5-i-1, s.Remaining)
	}
	p.finish()
	assert.Equal(t, Progress{Total: 5, Completed: 4, Failed: 1}, *p)
}

func TestRelayObjectsStops(t *testing.T) {
	objects := make([]StoreObject, 4)
	p := newProgress(len(objects))
	calls := 0
	err := relayObjects(objects, p,
		func(*StoreObject) (dimse.Status, error) {
			calls++
			if calls == 2 {
				return dimse.Status{}, errClosed
			}
			return dimse.Success, nil
		},
		func(*StoreObject, dimse.Status) error { return nil })
	assert.ErrorIs(t, err, errClosed)
	assert.Equal(t, 2, calls)
	p.finish()
	checkInvariant(t, p)
	assert.Equal(t, 3, p.Failed)

	p = newProgress(len(objects))
	calls = 0
	err = relayObjects(objects, p,
		func(*StoreObject) (dimse.Status, error) {
			calls++
			return dimse.Success, nil
		},
		func(*StoreObject, dimse.Status) error {
			p.Cancelled = true
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 3, p.Remaining)
}
