package debugadapter

import "fmt"

// UnknownTargetPlatform is returned when MCU auto-detection fails to
// match any candidate's manufacturer string after both the plain and
// assert-SRST connect attempts (§4.6 Device open step 2).
type UnknownTargetPlatform struct {
	Transcript string
}

func (e *UnknownTargetPlatform) Error() string {
	return fmt.Sprintf("debugadapter: could not identify target MCU; probe transcript:\n%s", e.Transcript)
}

// FlashWriteFailed is returned when none of the write strategies report
// their success pattern.
type FlashWriteFailed struct {
	Strategy string
	Response string
}

func (e *FlashWriteFailed) Error() string {
	return fmt.Sprintf("debugadapter: flash write via %q did not report success: %s", e.Strategy, e.Response)
}

// ResetFailed is returned when both the primary reset verification and
// the soft_reset_halt fallback fail.
type ResetFailed struct {
	Response string
}

func (e *ResetFailed) Error() string {
	return fmt.Sprintf("debugadapter: reset not verified: %s", e.Response)
}

// DeviceIDReadFailed is returned when neither the memory-address nor the
// Tcl-procedure device-id read path produces a match.
type DeviceIDReadFailed struct {
	Response string
}

func (e *DeviceIDReadFailed) Error() string {
	return fmt.Sprintf("debugadapter: could not read device id: %s", e.Response)
}
