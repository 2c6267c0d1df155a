// Package note converts between note names such as "C#4" and frequencies.
//
// Absolute pitch counts semitones from C0: index within the octave plus
// octave*12. Frequencies are equal-tempered against A4 = 440 Hz.
package note

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var ErrInvalidNote = errors.New("invalid note name")

const (
	ReferenceFrequency = 440.0
	// ReferenceMIDI is the MIDI number of A4.
	ReferenceMIDI = 69
)

var notePattern = regexp.MustCompile(`^([A-G][#b]?)(\d+)$`)

var semitones = map[string]int{
	"C": 0, "C#": 1, "Db": 1,
	"D": 2, "D#": 3, "Eb": 3,
	"E": 4,
	"F": 5, "F#": 6, "Gb": 6,
	"G": 7, "G#": 8, "Ab": 8,
	"A": 9, "A#": 10, "Bb": 10,
	"B": 11,
}

var sharpNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// Note is a parsed note name.
type Note struct {
	Name   string // pitch class as written, e.g. "Db"
	Octave int
}

// Parse parses names like "A4", "C#3" or "Bb2".
func Parse(s string) (Note, error) {
	m := notePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Note{}, fmt.Errorf("%w: %q", ErrInvalidNote, s)
	}
	if _, ok := semitones[m[1]]; !ok {
		return Note{}, fmt.Errorf("%w: %q", ErrInvalidNote, s)
	}
	octave, err := strconv.Atoi(m[2])
	if err != nil {
		return Note{}, fmt.Errorf("%w: %q", ErrInvalidNote, s)
	}
	return Note{Name: m[1], Octave: octave}, nil
}

// MustParse is Parse for constants; it panics on malformed input.
func MustParse(s string) Note {
	n, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return n
}

func (n Note) String() string {
	return n.Name + strconv.Itoa(n.Octave)
}

// Pitch returns the absolute pitch in semitones above C0.
func (n Note) Pitch() int {
	return semitones[n.Name] + n.Octave*12
}

// MIDI returns the MIDI note number (C4 = 60).
func (n Note) MIDI() int {
	return n.Pitch() + 12
}

func (n Note) Frequency() float64 {
	return MIDIToFrequency(n.MIDI())
}

// Distance is the absolute semitone distance between two notes.
func Distance(a, b Note) int {
	d := a.Pitch() - b.Pitch()
	if d < 0 {
		return -d
	}
	return d
}

// Frequency parses s and returns its frequency in Hz.
func Frequency(s string) (float64, error) {
	n, err := Parse(s)
	if err != nil {
		return 0, err
	}
	return n.Frequency(), nil
}

// Pitch parses s and returns its absolute pitch.
func Pitch(s string) (int, error) {
	n, err := Parse(s)
	if err != nil {
		return 0, err
	}
	return n.Pitch(), nil
}

func MIDIToFrequency(midi int) float64 {
	return ReferenceFrequency * math.Pow(2, float64(midi-ReferenceMIDI)/12)
}

// FromFrequency returns the nearest equal-tempered note, spelled with sharps.
func FromFrequency(freq float64) (Note, error) {
	if freq <= 0 || math.IsNaN(freq) || math.IsInf(freq, 0) {
		return Note{}, fmt.Errorf("%w: frequency %v", ErrInvalidNote, freq)
	}
	midi := ReferenceMIDI + int(math.Round(12*math.Log2(freq/ReferenceFrequency)))
	if midi < 12 {
		return Note{}, fmt.Errorf("%w: frequency %v below C0", ErrInvalidNote, freq)
	}
	return Note{Name: sharpNames[midi%12], Octave: midi/12 - 1}, nil
}
