package player

import "time"

// DriftRecord is one per-tick measurement of a channel's timing offset:
// the signed difference between the selected frame's timestamp and the
// master clock at measurement time.
type DriftRecord struct {
	MeasuredAt time.Duration // playback time of the measurement
	Offset     time.Duration // frame timestamp minus playback time
}

// driftHistorySize bounds the per-channel drift history kept for trend
// reporting.
const driftHistorySize = 50

// driftTracker keeps one channel's recent drift measurements and the
// bookkeeping the correction policy needs: how many consecutive ticks
// exceeded the threshold, when the last corrective reseek was issued,
// and the reseeks inside the persistent-fault window.
type driftTracker struct {
	records []DriftRecord
	streak  int

	lastCorrection time.Time
	corrections    []time.Time
}

// observe appends a measurement and updates the over-threshold streak.
func (d *driftTracker) observe(rec DriftRecord, threshold time.Duration) {
	d.records = append(d.records, rec)
	if len(d.records) > driftHistorySize {
		d.records = d.records[len(d.records)-driftHistorySize:]
	}

	off := rec.Offset
	if off < 0 {
		off = -off
	}
	if off > threshold {
		d.streak++
	} else {
		d.streak = 0
	}
}

// shouldCorrect reports whether a corrective reseek is due: the drift has
// exceeded the threshold for at least minStreak consecutive ticks and the
// per-channel cooldown has elapsed.
func (d *driftTracker) shouldCorrect(wallNow time.Time, minStreak int, cooldown time.Duration) bool {
	if d.streak < minStreak {
		return false
	}
	if !d.lastCorrection.IsZero() && wallNow.Sub(d.lastCorrection) < cooldown {
		return false
	}
	return true
}

// recordCorrection notes an issued reseek and reports whether corrections
// have piled up inside window without resolving (a persistent sync fault).
func (d *driftTracker) recordCorrection(wallNow time.Time, window time.Duration, maxCorrections int) bool {
	d.lastCorrection = wallNow
	d.streak = 0

	d.corrections = append(d.corrections, wallNow)
	cutoff := wallNow.Add(-window)
	kept := d.corrections[:0]
	for _, t := range d.corrections {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	d.corrections = kept
	return len(d.corrections) >= maxCorrections
}

// reset clears history and streak, keeping correction bookkeeping so a
// user seek cannot defeat the fault window.
func (d *driftTracker) reset() {
	d.records = d.records[:0]
	d.streak = 0
}

// last returns the most recent measurement, if any.
func (d *driftTracker) last() (DriftRecord, bool) {
	if len(d.records) == 0 {
		return DriftRecord{}, false
	}
	return d.records[len(d.records)-1], true
}

// History returns a copy of the recorded measurements, oldest first.
func (d *driftTracker) history() []DriftRecord {
	out := make([]DriftRecord, len(d.records))
	copy(out, d.records)
	return out
}
