package transport

import "strconv"

// Note-length notation in beats, where a beat is a quarter note.
var noteBeats = map[string]float64{
	"1n":  4,
	"2n":  2,
	"4n":  1,
	"8n":  0.5,
	"16n": 0.25,
	"32n": 0.125,
}

// NotationToSeconds converts "4n"-style notation at bpm into seconds. A plain
// number is taken as seconds already. Unknown notation counts as one beat.
func NotationToSeconds(notation string, bpm float64) float64 {
	beats, ok := noteBeats[notation]
	if !ok {
		if v, err := strconv.ParseFloat(notation, 64); err == nil {
			return v
		}
		beats = 1
	}
	if bpm <= 0 {
		bpm = DefaultBPM
	}
	return beats * 60 / bpm
}

// ToSeconds converts notation using the transport's tempo.
func (t *Transport) ToSeconds(notation string) float64 {
	return NotationToSeconds(notation, t.BPM())
}
