package detection

// Output channel order of the model head, channel-major over the slots.
const (
	channelX = iota
	channelY
	channelW
	channelH
	channelConf

	// OutputChannels is the number of channels per prediction slot.
	OutputChannels
)

// Peak is the highest confidence over every slot, independent of any threshold.
type Peak struct {
	Index      int
	Confidence float32
}

// Decode converts a raw output buffer of OutputChannels x slots values,
// normalized to the model input size, into candidates in input pixel space.
// Slots with confidence strictly below threshold are skipped; a confidence
// equal to the threshold is kept.
func Decode(output []float32, slots int, inputSize int, threshold float32) ([]Candidate, Peak) {
	if slots <= 0 || len(output) < OutputChannels*slots {
		return nil, Peak{}
	}

	size := float32(inputSize)
	conf := output[channelConf*slots : (channelConf+1)*slots]

	peak := Peak{Index: 0, Confidence: conf[0]}
	for i := 1; i < slots; i++ {
		if conf[i] > peak.Confidence {
			peak = Peak{Index: i, Confidence: conf[i]}
		}
	}

	var candidates []Candidate
	for i := 0; i < slots; i++ {
		c := conf[i]
		if c < threshold {
			continue
		}

		xCenter := output[channelX*slots+i] * size
		yCenter := output[channelY*slots+i] * size
		halfW := output[channelW*slots+i] * size / 2
		halfH := output[channelH*slots+i] * size / 2

		box := BoundingBox{
			Left:   max32(0, xCenter-halfW),
			Top:    max32(0, yCenter-halfH),
			Right:  min32(size, xCenter+halfW),
			Bottom: min32(size, yCenter+halfH),
		}
		if !box.Valid() {
			continue
		}

		candidates = append(candidates, Candidate{Box: box, Confidence: c})
	}

	return candidates, peak
}
