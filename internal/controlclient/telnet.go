package controlclient

// optionState is one side's (ours or peer's) negotiation state for a
// single Telnet option, a textbook six-state automaton (§4.7, §9).
type optionState int

const (
	stateNo optionState = iota
	stateYes
	stateWantYes
	stateWantNo
	stateWantYesOpposite
	stateWantNoOpposite
)

// Telnet command bytes relevant to option negotiation and escaping.
const (
	iac  byte = 0xFF
	will byte = 0xFB
	wont byte = 0xFC
	do   byte = 0xFD
	dont byte = 0xFE

	optEcho            byte = 0x01
	optSuppressGoAhead  byte = 0x03
)

// halfState tracks the negotiation state of every option for one
// direction (the options we offer vs. the options we ask the peer for).
type halfState struct {
	states map[byte]optionState
}

func newHalfState() *halfState {
	return &halfState{states: make(map[byte]optionState)}
}

func (h *halfState) get(opt byte) optionState {
	if s, ok := h.states[opt]; ok {
		return s
	}
	return stateNo
}

func (h *halfState) set(opt byte, s optionState) {
	h.states[opt] = s
}

// negotiator drives both halves of Telnet option negotiation
// independently, as required by §4.7/§9: the "client half" governs
// options we enable about ourselves (responding to DO/DONT), the "server
// half" governs options we ask the peer to enable (responding to
// WILL/WONT).
type negotiator struct {
	clientHalf *halfState // our state, driven by peer DO/DONT
	serverHalf *halfState // peer's state as we understand it, driven by peer WILL/WONT
	outbox     []byte
}

func newNegotiator() *negotiator {
	return &negotiator{clientHalf: newHalfState(), serverHalf: newHalfState()}
}

// requestWill asks to enable an option about ourselves (emits IAC WILL).
func (n *negotiator) requestWill(opt byte) {
	switch n.clientHalf.get(opt) {
	case stateNo:
		n.clientHalf.set(opt, stateWantYes)
		n.send(will, opt)
	case stateWantNo:
		n.clientHalf.set(opt, stateWantNoOpposite)
	}
}

// requestDo asks the peer to enable an option (emits IAC DO).
func (n *negotiator) requestDo(opt byte) {
	switch n.serverHalf.get(opt) {
	case stateNo:
		n.serverHalf.set(opt, stateWantYes)
		n.send(do, opt)
	case stateWantNo:
		n.serverHalf.set(opt, stateWantNoOpposite)
	}
}

func (n *negotiator) send(cmd, opt byte) {
	n.outbox = append(n.outbox, iac, cmd, opt)
}

// handle processes one incoming negotiation command (WILL/WONT/DO/DONT,
// opt) and advances the state machine, queuing any reply into outbox.
func (n *negotiator) handle(cmd, opt byte) {
	switch cmd {
	case will:
		n.handlePeerOffer(n.serverHalf, opt, do, dont)
	case wont:
		n.handlePeerRefuse(n.serverHalf, opt, dont)
	case do:
		n.handlePeerOffer(n.clientHalf, opt, will, wont)
	case dont:
		n.handlePeerRefuse(n.clientHalf, opt, wont)
	}
}

// handlePeerOffer processes WILL (when half==serverHalf) or DO (when
// half==clientHalf): the peer is offering/requesting this option be
// enabled.
func (n *negotiator) handlePeerOffer(half *halfState, opt, acceptCmd, refuseCmd byte) {
	switch half.get(opt) {
	case stateNo:
		half.set(opt, stateYes)
		n.send(acceptCmd, opt)
	case stateWantNo:
		half.set(opt, stateNo)
		// invalid peer behavior; do nothing further
	case stateWantNoOpposite:
		half.set(opt, stateYes)
	case stateWantYes:
		half.set(opt, stateYes)
	case stateWantYesOpposite:
		half.set(opt, stateWantNo)
		n.send(refuseCmd, opt)
	case stateYes:
		// already enabled, no-op
	}
}

// handlePeerRefuse processes WONT (serverHalf) or DONT (clientHalf): the
// peer refuses or disables this option.
func (n *negotiator) handlePeerRefuse(half *halfState, opt, refuseCmd byte) {
	switch half.get(opt) {
	case stateYes:
		half.set(opt, stateNo)
		n.send(refuseCmd, opt)
	case stateWantNo:
		half.set(opt, stateNo)
	case stateWantNoOpposite:
		half.set(opt, stateWantYes)
		n.send(func() byte {
			if refuseCmd == dont {
				return do
			}
			return will
		}(), opt)
	case stateWantYes:
		half.set(opt, stateNo)
	case stateWantYesOpposite:
		half.set(opt, stateNo)
	case stateNo:
		// already disabled, no-op
	}
}

// drain returns and clears any queued outbound negotiation bytes.
func (n *negotiator) drain() []byte {
	out := n.outbox
	n.outbox = nil
	return out
}

// suppressGoAheadReady reports whether SUPPRESS-GO-AHEAD is enabled on both halves, the
// hard requirement from §4.7.
func (n *negotiator) suppressGoAheadReady() bool {
	return n.clientHalf.get(optSuppressGoAhead) == stateYes && n.serverHalf.get(optSuppressGoAhead) == stateYes
}
