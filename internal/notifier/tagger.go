package notifier

import (
	"context"
	"fmt"
	"strconv"

	"radiorec/internal/eventbus"

	"github.com/bogem/id3v2"
)

// Tags is the metadata written onto a finished recording.
type Tags struct {
	Title   string
	Artist  string
	Album   string
	Genre   string
	Year    string
	Comment string
}

// SizeStore records a recording's new size after tagging rewrote the file.
type SizeStore interface {
	SetRecordingSize(ctx context.Context, id int64, bytes int64) error
}

// Tagger writes tags onto an audio file in place.
type Tagger interface {
	Tag(path string, t Tags) error
}

// TagsFor maps a recording.created event to tags: the station is the artist
// and the show is the album.
func TagsFor(ev eventbus.RecordingCreated) Tags {
	t := Tags{
		Title:  ev.Title,
		Artist: ev.StationName,
		Album:  ev.ShowName,
		Genre:  "Radio",
	}
	if t.Title == "" {
		t.Title = fmt.Sprintf("%s %s", ev.ShowName, ev.RecordedAt.Format("2006-01-02"))
	}
	if !ev.RecordedAt.IsZero() {
		t.Year = strconv.Itoa(ev.RecordedAt.Year())
	}
	if ev.Tool != "" {
		t.Comment = "captured with " + ev.Tool
	}
	return t
}

// ID3Tagger writes ID3v2 frames with UTF-8 text.
type ID3Tagger struct{}

func (ID3Tagger) Tag(path string, t Tags) error {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return err
	}
	defer tag.Close()

	tag.SetDefaultEncoding(id3v2.EncodingUTF8)
	tag.SetTitle(t.Title)
	tag.SetArtist(t.Artist)
	tag.SetAlbum(t.Album)
	tag.SetGenre(t.Genre)
	if t.Year != "" {
		tag.SetYear(t.Year)
	}
	if t.Comment != "" {
		tag.AddCommentFrame(id3v2.CommentFrame{
			Encoding:    id3v2.EncodingUTF8,
			Language:    "eng",
			Description: "radiorec",
			Text:        t.Comment,
		})
	}
	return tag.Save()
}
