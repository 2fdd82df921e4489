package model_test

import (
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

func TestNeighbours(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	v1 := &model.WorkflowVersion{ID: "v1", Created: base}
	v2 := &model.WorkflowVersion{ID: "v2", Created: base.Add(time.Hour)}
	v3 := &model.WorkflowVersion{ID: "v3", Created: base.Add(2 * time.Hour)}
	versions := []*model.WorkflowVersion{v3, v1, v2}

	t.Run("middle version has both", func(t *testing.T) {
		prev, next := model.Neighbours(versions, v2)
		gt.Equal(t, prev.ID, "v1")
		gt.Equal(t, next.ID, "v3")
	})

	t.Run("first version has only next", func(t *testing.T) {
		prev, next := model.Neighbours(versions, v1)
		gt.Nil(t, prev)
		gt.Equal(t, next.ID, "v2")
	})

	t.Run("last version has only previous", func(t *testing.T) {
		prev, next := model.Neighbours(versions, v3)
		gt.Equal(t, prev.ID, "v2")
		gt.Nil(t, next)
	})

	t.Run("unknown version", func(t *testing.T) {
		prev, next := model.Neighbours(versions, &model.WorkflowVersion{ID: "x"})
		gt.Nil(t, prev)
		gt.Nil(t, next)
	})
}

func TestRevisionBranch(t *testing.T) {
	var nilRev *model.Revision
	gt.Equal(t, nilRev.Branch(), "")
	gt.Equal(t, (&model.Revision{Kind: model.RefKindTag, ShortName: "v1.0"}).Branch(), "")
	gt.Equal(t, (&model.Revision{Kind: model.RefKindBranch, ShortName: "main"}).Branch(), "main")
}

func TestBuildFilter(t *testing.T) {
	from := time.Unix(500, 0)
	to := time.Unix(1000, 0)
	filter := model.BuildFilter{CreatedFrom: &from, CreatedTo: &to}

	gt.False(t, filter.Match(&model.BuildRecord{Created: time.Unix(400, 0)}))
	gt.True(t, filter.Match(&model.BuildRecord{Created: time.Unix(500, 0)}))
	gt.True(t, filter.Match(&model.BuildRecord{Created: time.Unix(999, 0)}))
	gt.False(t, filter.Match(&model.BuildRecord{Created: time.Unix(1000, 0)}))
	gt.True(t, filter.Windowed())

	branch := model.BuildFilter{Branch: "main"}
	gt.True(t, branch.Match(&model.BuildRecord{Branch: "main"}))
	gt.False(t, branch.Match(&model.BuildRecord{Branch: "dev"}))
	gt.False(t, branch.Windowed())
}
