package command

import (
	"context"
	"errors"
	"testing"

	"github.com/matryer/is"

	"github.com/neopro/edge-agent/internal/models"
)

func TestDispatch(t *testing.T) {
	t.Run("allowed command returns its payload", func(t *testing.T) {
		is := is.New(t)
		d := NewDispatcher([]string{"ping"})
		d.Register("ping", func(ctx context.Context, cmd models.Command) (interface{}, error) {
			return "pong", nil
		})

		res := d.Dispatch(context.Background(), models.Command{ID: "c1", Type: "ping"})
		is.Equal(res.CommandID, "c1")
		is.Equal(res.Status, models.ResultSuccess)
		is.Equal(res.Result, "pong")
		is.Equal(res.Error, "")
	})

	t.Run("disallowed command is rejected without executing", func(t *testing.T) {
		is := is.New(t)
		executed := false
		d := NewDispatcher([]string{"ping"})
		d.Register("format_disk", func(ctx context.Context, cmd models.Command) (interface{}, error) {
			executed = true
			return nil, nil
		})

		res := d.Dispatch(context.Background(), models.Command{ID: "c2", Type: "format_disk"})
		is.Equal(res.Status, models.ResultError)
		is.True(res.Error != "")
		is.True(!executed)
	})

	t.Run("handler error becomes an error result", func(t *testing.T) {
		is := is.New(t)
		d := NewDispatcher([]string{"ping"})
		d.Register("ping", func(ctx context.Context, cmd models.Command) (interface{}, error) {
			return nil, errors.New("device on fire")
		})

		res := d.Dispatch(context.Background(), models.Command{ID: "c3", Type: "ping"})
		is.Equal(res.Status, models.ResultError)
		is.Equal(res.Error, "device on fire")
	})

	t.Run("handler panic becomes an error result", func(t *testing.T) {
		is := is.New(t)
		d := NewDispatcher([]string{"ping"})
		d.Register("ping", func(ctx context.Context, cmd models.Command) (interface{}, error) {
			panic("nil map write")
		})

		res := d.Dispatch(context.Background(), models.Command{ID: "c4", Type: "ping"})
		is.Equal(res.Status, models.ResultError)
		is.True(res.Error != "")
	})

	t.Run("allowed command without a handler is an error result", func(t *testing.T) {
		is := is.New(t)
		d := NewDispatcher([]string{"ping"})

		res := d.Dispatch(context.Background(), models.Command{ID: "c5", Type: "ping"})
		is.Equal(res.Status, models.ResultError)
	})
}
