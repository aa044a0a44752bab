package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/watchkeeper/brainstem/internal/store"
)

// Music status file names written by the player exporter.
const (
	musicTitleFile      = "ytm-title.txt"
	musicArtistFile     = "ytm-artist.txt"
	musicNowPlayingFile = "ytm-nowplaying.txt"
)

func readTextFile(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// musicTick samples the now-playing directory, publishes music.*, and emits
// MUSIC_STARTED / MUSIC_STOPPED / TRACK_CHANGED edges. Returns whether music is
// playing (drives the loop cadence).
func (s *Supervisor) musicTick(ctx context.Context) bool {
	dir := strings.TrimSpace(s.opts.MusicDir)
	if dir == "" {
		return false
	}
	correlationID := uuid.NewString()

	title := readTextFile(filepath.Join(dir, musicTitleFile))
	artist := readTextFile(filepath.Join(dir, musicArtistFile))
	nowPlaying := readTextFile(filepath.Join(dir, musicNowPlayingFile))
	if (title == "" || artist == "") && strings.Contains(nowPlaying, " - ") {
		parts := strings.SplitN(nowPlaying, " - ", 2)
		if title == "" {
			title = strings.TrimSpace(parts[0])
		}
		if artist == "" {
			artist = strings.TrimSpace(parts[1])
		}
	}
	playing := title != "" || artist != ""

	s.setStates(ctx, map[string]any{
		"music.playing":     playing,
		"music.track.title":  title,
		"music.track.artist": artist,
		"music.now_playing": nowPlaying,
	}, "music_supervisor", correlationID, modeFor(playing), true)

	if s.prevMusicPlaying != nil && *s.prevMusicPlaying != playing {
		eventType := "MUSIC_STOPPED"
		if playing {
			eventType = "MUSIC_STARTED"
		}
		s.appendEvent(ctx, store.Event{
			EventType:     eventType,
			Source:        "music_supervisor",
			CorrelationID: correlationID,
			Mode:          modeFor(playing),
			Severity:      store.SeverityInfo,
			Payload: map[string]any{
				"playing":      playing,
				"track_title":  title,
				"track_artist": artist,
			},
			Tags: []string{"music"},
		})
	}

	track := trackKey{title: title, artist: artist}
	wasPlaying := s.prevMusicPlaying != nil && *s.prevMusicPlaying
	if playing && wasPlaying && s.prevTrack != nil && *s.prevTrack != track {
		s.appendEvent(ctx, store.Event{
			EventType:     "TRACK_CHANGED",
			Source:        "music_supervisor",
			CorrelationID: correlationID,
			Mode:          "game",
			Severity:      store.SeverityInfo,
			Payload: map[string]any{
				"previous_title":  s.prevTrack.title,
				"previous_artist": s.prevTrack.artist,
				"title":           title,
				"artist":          artist,
			},
			Tags: []string{"music", "track"},
		})
	}

	s.prevMusicPlaying = &playing
	s.prevTrack = &track
	return playing
}
