package core

import "time"

// MaxClientServicerTimeDiff bounds the allowed clock skew between a request's
// claimed time and the validator's wall clock (I6, §4.4).
const MaxClientServicerTimeDiff = 60 * time.Second

// NonceValidityWindow is the duration for which an observed nonce is
// remembered to reject replays (I6): 3x the clock-skew tolerance.
const NonceValidityWindow = 3 * MaxClientServicerTimeDiff

// nowSeconds returns the current wall-clock time as seconds since the Unix
// epoch, the unit record expirations are expressed in throughout this
// package.
func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// EpochData mirrors the chain's per-block epoch snapshot (§3).
type EpochData struct {
	Block           uint64
	Epoch           uint64
	BlockPerEpoch   uint64
	SecondsPerEpoch float64
	PercentComplete float64
	BlocksElapsed   uint64
	BlocksRemaining uint64
	SecondsElapsed  float64
	SecondsRemaining float64
}

// NewEpochData derives an EpochData snapshot from a block number, the
// chain-configured epoch length, and block time, optionally offset by a
// subnet slot.
func NewEpochData(block, blockPerEpoch uint64, blockSecs float64, slot uint64) EpochData {
	if blockPerEpoch == 0 {
		blockPerEpoch = 1
	}
	adjusted := block
	if slot <= adjusted {
		adjusted -= slot
	} else {
		adjusted = 0
	}
	epoch := adjusted / blockPerEpoch
	elapsed := adjusted % blockPerEpoch
	remaining := blockPerEpoch - elapsed
	secondsPerEpoch := float64(blockPerEpoch) * blockSecs
	return EpochData{
		Block:            block,
		Epoch:            epoch,
		BlockPerEpoch:    blockPerEpoch,
		SecondsPerEpoch:  secondsPerEpoch,
		PercentComplete:  float64(elapsed) / float64(blockPerEpoch),
		BlocksElapsed:    elapsed,
		BlocksRemaining:  remaining,
		SecondsElapsed:   float64(elapsed) * blockSecs,
		SecondsRemaining: float64(remaining) * blockSecs,
	}
}

// epochKeySuffix formats the "_{E}" suffix used by the well-known epoch-phase
// DHT keys ("consensus_epoch_{E}", "commit_epoch_{E}", "reveal_epoch_{E}").
func epochKeySuffix(epoch uint64) string {
	return uitoa(epoch)
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
