package domain

import (
	"math"
	"time"
)

const earthRadiusKm = 6371.0

// MobilityWindow is how far back position history counts toward mobility.
const MobilityWindow = 168 * time.Hour

// MobilityThresholdKm is the displacement that makes a node mobile.
const MobilityThresholdKm = 1.0

// HaversineKm returns the great-circle distance between two coordinates.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// IsMobile reports whether any pair of points within the mobility window is
// further apart than the mobility threshold. The result depends only on the
// set of points, not on insertion order.
func IsMobile(points []PositionPoint, now time.Time) bool {
	cutoff := now.Add(-MobilityWindow)
	recent := points[:0:0]
	for _, p := range points {
		if p.Timestamp.After(cutoff) {
			recent = append(recent, p)
		}
	}
	for i := 0; i < len(recent); i++ {
		for j := i + 1; j < len(recent); j++ {
			d := HaversineKm(recent[i].Latitude, recent[i].Longitude, recent[j].Latitude, recent[j].Longitude)
			if d > MobilityThresholdKm {
				return true
			}
		}
	}
	return false
}

// HopBucket is a stable presentation grouping for hop counts.
type HopBucket string

const (
	HopBucketLocal   HopBucket = "local"
	HopBucketGreen   HopBucket = "green"
	HopBucketAmber   HopBucket = "amber"
	HopBucketRed     HopBucket = "red"
	HopBucketUnknown HopBucket = "grey"
)

// HopBucketFor maps a hops-away value onto its bucket. A nil value means the
// radio never reported hop data for the node.
func HopBucketFor(hopsAway *uint32) HopBucket {
	if hopsAway == nil {
		return HopBucketUnknown
	}
	switch {
	case *hopsAway == 0:
		return HopBucketLocal
	case *hopsAway <= 2:
		return HopBucketGreen
	case *hopsAway <= 4:
		return HopBucketAmber
	default:
		return HopBucketRed
	}
}

// HasEstimatedPosition reports whether the node's latest position is reduced
// precision, so a UI should draw it with an uncertainty radius.
func HasEstimatedPosition(n Node) bool {
	return n.Position != nil && n.Position.PrecisionBits > 0 && n.Position.PrecisionBits < 32
}

// HasPublicKey reports whether the node advertised a PKC public key.
func HasPublicKey(n Node) bool {
	return n.PublicKey != ""
}
