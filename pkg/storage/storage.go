// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"arrec/pkg/log"
	"arrec/pkg/metadata"
	"arrec/pkg/session"
	"arrec/pkg/system"
	"arrec/pkg/video/mp4"

	"github.com/google/uuid"
)

// Errors.
var (
	ErrInvalidID = errors.New("invalid session id")
	ErrActive    = errors.New("session is active")
)

// Manager session storage manager.
type Manager struct {
	sessionsDir string

	// Returns the ID of the session being recorded or "".
	active func() string

	diskFree  func(string) (uint64, error)
	removeAll func(string) error

	logger *log.Logger
}

// NewManager returns new manager.
func NewManager(sessionsDir string, active func() string, logger *log.Logger) *Manager {
	return &Manager{
		sessionsDir: sessionsDir,
		active:      active,
		diskFree:    system.DiskFree,
		removeAll:   os.RemoveAll,
		logger:      logger,
	}
}

// SessionsDir returns the sessions directory.
func (s *Manager) SessionsDir() string {
	return s.sessionsDir
}

// SessionInfo summary of a stored session.
type SessionInfo struct {
	ID       string        `json:"id"`
	Time     time.Time     `json:"time"`
	Complete bool          `json:"complete"`
	Frames   int           `json:"frames"`
	Duration time.Duration `json:"duration"`
	Files    []string      `json:"files"`

	Orientation int `json:"orientation,omitempty"`
	FPS         int `json:"fps,omitempty"`
	Width       int `json:"width,omitempty"`
	Height      int `json:"height,omitempty"`
}

type sessionDir struct {
	id      string
	modTime time.Time
}

// sessionDirs returns the session directories, newest first.
func (s *Manager) sessionDirs() ([]sessionDir, error) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		return nil, fmt.Errorf("read sessions directory: %w", err)
	}

	var dirs []sessionDir
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := uuid.Parse(entry.Name()); err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, sessionDir{id: entry.Name(), modTime: info.ModTime()})
	}
	sort.Slice(dirs, func(i, j int) bool {
		if dirs[i].modTime.Equal(dirs[j].modTime) {
			return dirs[i].id > dirs[j].id
		}
		return dirs[i].modTime.After(dirs[j].modTime)
	})
	return dirs, nil
}

// List returns up to limit sessions, newest first. Zero limit lists all.
func (s *Manager) List(limit int) ([]SessionInfo, error) {
	dirs, err := s.sessionDirs()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(dirs) > limit {
		dirs = dirs[:limit]
	}

	sessions := make([]SessionInfo, 0, len(dirs))
	for _, d := range dirs {
		sessions = append(sessions, s.info(d))
	}
	return sessions, nil
}

// info reads what it can, an incomplete session is still listed.
func (s *Manager) info(d sessionDir) SessionInfo {
	dir := filepath.Join(s.sessionsDir, d.id)
	info := SessionInfo{ID: d.id, Time: d.modTime, Files: []string{}}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return info
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			info.Files = append(info.Files, entry.Name())
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, session.MetadataFileName))
	if err != nil {
		return info
	}
	doc, err := metadata.Parse(data)
	if err != nil {
		s.logger.Warn().Src("storage").Session(d.id).Msgf("invalid metadata: %v", err)
		return info
	}
	info.Complete = true
	info.Frames = len(doc.CameraFrames.Timestamps)
	info.Orientation = doc.RenderData.Orientation
	info.FPS = doc.RenderData.FPS
	info.Width = doc.RenderData.VideoResolutionX
	info.Height = doc.RenderData.VideoResolutionY

	if duration, err := videoDuration(filepath.Join(dir, "color.mov")); err == nil {
		info.Duration = duration
	}
	return info
}

func videoDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := mp4.ReadInfo(f)
	if err != nil {
		return 0, err
	}
	return info.Duration, nil
}

// SessionPath returns the directory of session id.
func (s *Manager) SessionPath(id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.sessionsDir, id), nil
}

// Delete removes a stored session.
func (s *Manager) Delete(id string) error {
	path, err := s.SessionPath(id)
	if err != nil {
		return err
	}
	if id == s.active() {
		return fmt.Errorf("%w: %v", ErrActive, id)
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	if err := s.removeAll(path); err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	s.logger.Info().Src("storage").Session(id).Msg("session deleted")
	return nil
}

// purge deletes the oldest sessions until minFree bytes are free.
// The active session is never deleted.
func (s *Manager) purge(minFree uint64) error {
	free, err := s.diskFree(s.sessionsDir)
	if err != nil {
		return err
	}
	if free >= minFree {
		return nil
	}

	dirs, err := s.sessionDirs()
	if err != nil {
		return err
	}
	active := s.active()
	for i := len(dirs) - 1; i >= 0 && free < minFree; i-- {
		id := dirs[i].id
		if id == active {
			continue
		}
		path := filepath.Join(s.sessionsDir, id)
		if err := s.removeAll(path); err != nil {
			return fmt.Errorf("remove session: %w", err)
		}
		s.logger.Info().Src("storage").Session(id).
			Msgf("purged, %v free", system.FormatBytes(free))

		if free, err = s.diskFree(s.sessionsDir); err != nil {
			return err
		}
	}
	return nil
}

// PurgeLoop runs purge on an interval until context is canceled.
func (s *Manager) PurgeLoop(ctx context.Context, interval time.Duration, minFree uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			if err := s.purge(minFree); err != nil {
				s.logger.Error().Src("storage").Msgf("could not purge storage: %v", err)
			}
		}
	}
}
