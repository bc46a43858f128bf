package session

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0600)
}

func TestMissingFields(t *testing.T) {
	lat, lon := 1.0, 2.0

	tests := []struct {
		name    string
		profile Profile
		want    []string
	}{
		{"empty", Profile{}, []string{FieldLocation, FieldCrop, FieldStage}},
		{"location text only", Profile{Location: Location{Text: "Nashik"}}, []string{FieldCrop, FieldStage}},
		{"coordinates only", Profile{Location: Location{Lat: &lat, Lon: &lon}, Crop: "rice"}, []string{FieldStage}},
		{"whitespace crop", Profile{Location: Location{Text: "Nashik"}, Crop: "  ", Stage: "sowing"}, []string{FieldCrop}},
		{"half coordinates", Profile{Location: Location{Lat: &lat}, Crop: "rice", Stage: "sowing"}, []string{FieldLocation}},
		{"complete", Profile{Location: Location{Text: "Nashik"}, Crop: "grape", Stage: "harvest"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.profile.MissingFields())
		})
	}
}

func TestAddMessageCompactsHistory(t *testing.T) {
	s := New("u")
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		s.AddMessage("user", string(rune('a'+i)), at, 16)
	}

	assert.Len(t, s.Messages, 16)
	assert.Equal(t, "e", s.Messages[0].Content)
	assert.Equal(t, "t", s.Messages[15].Content)
}

func TestCloneIsIndependent(t *testing.T) {
	orig := populated("u")
	c := orig.Clone()
	assert.Equal(t, orig, c)

	*c.Profile.Location.Lat = 0
	c.Observation.Symptoms[0] = "changed"
	c.Weather.Summary = "rain"
	c.Search.Items[0].Title = "changed"
	c.LastAdvisory.RecommendedActions[0] = "changed"
	c.Messages[0].Content = "changed"

	assert.Equal(t, 18.52, *orig.Profile.Location.Lat)
	assert.Equal(t, "yellow leaves", orig.Observation.Symptoms[0])
	assert.Equal(t, "clear sky", orig.Weather.Summary)
	assert.Equal(t, "Leaf curl", orig.Search.Items[0].Title)
	assert.Equal(t, "Inspect leaf undersides", orig.LastAdvisory.RecommendedActions[0])
	assert.Equal(t, "leaves are yellow", orig.Messages[0].Content)
}

func TestCloneNil(t *testing.T) {
	var s *Session
	assert.Nil(t, s.Clone())
}
