package ofp4sw

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// tolerated reports errors that racing modifications legitimately produce.
func tolerated(err error) bool {
	return err == nil || IsValidation(err) || IsNotFound(err) || IsConflict(err)
}

func TestConcurrentPipeline(t *testing.T) {
	const rounds = 300
	pipe := newTestPipeline(t, 2)
	for id := uint32(1); id <= 4; id++ {
		require.NoError(t, pipe.AddGroup(GroupMod{GroupId: id, Type: OFPGT_ALL, Buckets: []Bucket{newBucket(output(id))}}))
	}
	frames := make([][]*Frame, 2)
	for w := range frames {
		for i := 0; i < rounds; i++ {
			frames[w] = append(frames[w], newFrame(t, fmt.Sprintf("in_port=%d", i%4+1)))
		}
	}

	var eg errgroup.Group
	for w := range frames {
		w := w
		eg.Go(func() error {
			for _, f := range frames[w] {
				pipe.Process(f)
				if _, err := pipe.FlowStats(AllFlows()); err != nil {
					return err
				}
			}
			return nil
		})
	}
	eg.Go(func() error {
		for i := 0; i < rounds; i++ {
			port := uint32(i%4 + 1)
			match, err := MatchFromString(fmt.Sprintf("in_port=%d", port))
			if err != nil {
				return err
			}
			err = pipe.AddFlow(FlowMod{
				TableId:      uint8(i % 2),
				Priority:     uint16(i % 8),
				Match:        match,
				HardTimeout:  uint16(i%3 + 1),
				Instructions: apply(ActionGroup{GroupId: uint32(i%4 + 1)}),
			})
			if !tolerated(err) {
				return err
			}
		}
		return nil
	})
	eg.Go(func() error {
		for i := 0; i < rounds; i++ {
			match, err := MatchFromString(fmt.Sprintf("in_port=%d", i%4+1))
			if err != nil {
				return err
			}
			err = pipe.ModifyFlows(FlowMod{
				TableId:      OFPTT_ALL,
				Match:        match,
				Instructions: apply(ActionGroup{GroupId: uint32((i+1)%4 + 1)}, output(9)),
			}, false)
			if !tolerated(err) {
				return err
			}
		}
		return nil
	})
	eg.Go(func() error {
		for i := 0; i < rounds; i++ {
			pipe.Expire(time.Now().Add(time.Duration(i%4) * time.Second))
		}
		return nil
	})
	eg.Go(func() error {
		for i := 0; i < rounds; i++ {
			id := uint32(i%4 + 1)
			if err := pipe.DeleteGroup(id, true); !tolerated(err) {
				return err
			}
			if err := pipe.AddGroup(GroupMod{GroupId: id, Type: OFPGT_ALL, Buckets: []Bucket{newBucket(output(id))}}); !tolerated(err) {
				return err
			}
		}
		return nil
	})
	require.NoError(t, eg.Wait())

	for _, st := range pipe.GroupStats(OFPG_ALL) {
		filter := AllFlows()
		filter.OutGroup = st.GroupId
		entries, err := pipe.FlowStats(filter)
		require.NoError(t, err)
		assert.Len(t, entries, st.RefCount, "group %d", st.GroupId)
		for _, entry := range entries {
			// every bucket holds one output
			assert.Equal(t, len(entry.Instructions.Apply), entry.OutputCount, "group %d", st.GroupId)
		}
	}
}
