package session

import (
	"context"
	"strconv"
	"time"

	"github.com/gosuri/uiprogress"
)

// startProgress renders a terminal progress bar until the context ends.
func (s *Session) startProgress(ctx context.Context) {
	uiprogress.Start()
	_, _, _, total := s.manager.Progress()
	bar := uiprogress.AddBar(total)
	bar.AppendCompleted()
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		_, _, complete, total := s.manager.Progress()
		return "pieces: " + strconv.Itoa(complete) + "/" + strconv.Itoa(total)
	})
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "peers: " + strconv.Itoa(s.swarm.Len())
	})
	bar.AppendElapsed()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer uiprogress.Stop()
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _, complete, _ := s.manager.Progress()
				bar.Set(complete)
			}
		}
	}()
}
