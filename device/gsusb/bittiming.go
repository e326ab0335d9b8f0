package gsusb

import "github.com/Alia5/CANIPER/can"

// clampTiming fits a host bit timing into the controller limits. Hosts only
// know tseg1 = prop_seg + phase_seg1, so time quanta are moved between the
// two segments to keep their sum while satisfying each segment's range. The
// arithmetic wraps like the 16-bit fields of can.Timing.
func clampTiming(bt Bittiming, min, max can.Timing) can.Timing {
	t := can.Timing{
		SJW:       uint16(bt.SJW),
		PropSeg:   uint16(bt.PropSeg),
		PhaseSeg1: uint16(bt.PhaseSeg1),
		PhaseSeg2: uint16(bt.PhaseSeg2),
		Prescaler: uint16(bt.BRP),
	}
	if t.PropSeg < min.PropSeg {
		t.PhaseSeg1 -= min.PropSeg - t.PropSeg
		t.PropSeg = min.PropSeg
	} else if t.PropSeg > max.PropSeg {
		t.PhaseSeg1 += t.PropSeg - max.PropSeg
		t.PropSeg = max.PropSeg
	}
	if t.PhaseSeg1 < min.PhaseSeg1 {
		t.PropSeg -= min.PhaseSeg1 - t.PhaseSeg1
		t.PhaseSeg1 = min.PhaseSeg1
	} else if t.PhaseSeg1 > max.PhaseSeg1 {
		t.PropSeg += t.PhaseSeg1 - max.PhaseSeg1
		t.PhaseSeg1 = max.PhaseSeg1
	}
	return t
}

func btConst(features, clock uint32, min, max can.Timing) BTConst {
	return BTConst{
		Feature:  features,
		FclkCAN:  clock,
		Tseg1Min: uint32(min.PropSeg) + uint32(min.PhaseSeg1),
		Tseg1Max: uint32(max.PropSeg) + uint32(max.PhaseSeg1),
		Tseg2Min: uint32(min.PhaseSeg2),
		Tseg2Max: uint32(max.PhaseSeg2),
		SJWMax:   uint32(max.SJW),
		BRPMin:   uint32(min.Prescaler),
		BRPMax:   uint32(max.Prescaler),
		BRPInc:   1,
	}
}
