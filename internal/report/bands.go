package report

import "time"

// Band maps distances below Below (meters, exclusive) to a sampling interval.
type Band struct {
	Below    float64
	Interval time.Duration
}

// Bands is ordered nearest first. Distances beyond the last band use FarInterval.
var Bands = []Band{
	{Below: 500, Interval: 100 * time.Millisecond},
	{Below: 1000, Interval: 500 * time.Millisecond},
	{Below: 5000, Interval: 30 * time.Second},
	{Below: 20000, Interval: 2 * time.Minute},
}

// FarInterval applies at 20km and beyond.
const FarInterval = 5 * time.Minute

// IntervalForDistance picks the sampling interval for a distance to the
// closest target.
func IntervalForDistance(meters float64) time.Duration {
	for _, b := range Bands {
		if meters < b.Below {
			return b.Interval
		}
	}
	return FarInterval
}
