package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/peergrid/callroom/internal/config"
	"github.com/peergrid/callroom/internal/protocol"
	"github.com/peergrid/callroom/internal/signaling"
	"github.com/peergrid/callroom/internal/util"
)

var joinFlags struct {
	server string
	device string
	helper bool
}

var joinCmd = &cobra.Command{
	Use:   "join <room>",
	Short: "Join a room and negotiate a call with a peer",
	Args:  cobra.ExactArgs(1),
	RunE:  runJoin,
}

func init() {
	joinCmd.Flags().StringVar(&joinFlags.server, "server", "", "room server base URL")
	joinCmd.Flags().StringVar(&joinFlags.device, "device", "", "device label shown to other participants")
	joinCmd.Flags().BoolVar(&joinFlags.helper, "helper", false, "offer in helper pairing mode")
	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, args []string) error {
	roomID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid room id %q", args[0])
	}

	cfg := config.Load(config.Options{
		ServerURL: joinFlags.server,
		Device:    joinFlags.device,
	})

	app := &joinApp{
		helper: joinFlags.helper,
		calls:  make(map[int64]*call),
		done:   make(chan struct{}),
	}

	joinMessage, _ := json.Marshal(map[string]string{"device": cfg.Device})
	app.client = signaling.New(app, signaling.WithJoinMessage(string(joinMessage)))
	app.client.ConnectToRoom(signaling.RoomConnectionParameters{
		RoomURL: cfg.ServerURL,
		RoomID:  roomID,
	})

	util.LogInfo("joining room %d at %s as %q", roomID, cfg.ServerURL, cfg.Device)

	select {
	case <-cmd.Context().Done():
	case <-app.done:
	}

	app.client.DisconnectFromRoom()
	select {
	case <-app.client.Done():
	case <-time.After(3 * time.Second):
	}
	app.closeCalls()
	return nil
}

// joinApp drives the signaling client from the terminal. Event callbacks
// arrive on the client's worker goroutine; anything that blocks (prompts)
// or loops back into the client is pushed onto its own goroutine.
type joinApp struct {
	client *signaling.Client
	helper bool

	mu     sync.Mutex
	params *signaling.SignalingParameters
	calls  map[int64]*call

	done     chan struct{}
	doneOnce sync.Once
}

var _ signaling.Events = (*joinApp)(nil)

func (a *joinApp) OnConnectedToRoom(params *signaling.SignalingParameters) {
	a.mu.Lock()
	a.params = params
	a.mu.Unlock()
	util.LogInfo("connected to room as client %d", params.ClientID)
	a.client.RequestRoomInfo()
}

func (a *joinApp) Connect(peerID int64) {
	util.LogInfo("one other participant present, calling peer %d", peerID)
	go a.startCall(peerID)
}

func (a *joinApp) SelectClient(clients []protocol.ClientInfo) {
	go a.promptSelect(clients)
}

func (a *joinApp) OnRemoteOffer(peerID int64, sdp webrtc.SessionDescription) {
	util.LogInfo("incoming call from peer %d", peerID)
	go a.acceptOffer(peerID, sdp)
}

func (a *joinApp) OnRemoteAnswer(peerID int64, sdp *webrtc.SessionDescription) {
	if sdp == nil {
		util.LogWarning("peer %d declined the call", peerID)
		a.dropCall(peerID)
		return
	}
	if c := a.lookupCall(peerID); c != nil {
		if err := c.acceptAnswer(*sdp); err != nil {
			util.LogError("applying answer from peer %d: %v", peerID, err)
		}
	}
}

func (a *joinApp) OnRemoteICECandidate(peerID int64, candidate webrtc.ICECandidateInit) {
	c := a.lookupCall(peerID)
	if c == nil {
		util.LogDebug("candidate from peer %d without a call, dropped", peerID)
		return
	}
	if err := c.addCandidate(candidate); err != nil {
		util.LogWarning("adding candidate from peer %d: %v", peerID, err)
	}
}

func (a *joinApp) OnClientJoin(peerID int64, device string) {
	util.LogInfo("peer %d joined (%s)", peerID, device)
}

func (a *joinApp) OnRemoteLeave(peerID int64) {
	util.LogInfo("peer %d left", peerID)
	a.dropCall(peerID)
}

func (a *joinApp) OnChannelClose() {
	util.LogInfo("signaling channel closed")
	a.doneOnce.Do(func() { close(a.done) })
}

func (a *joinApp) OnChannelError(description string) {
	util.LogError("signaling error: %s", description)
	a.doneOnce.Do(func() { close(a.done) })
}

// promptSelect lets the user pick a peer from a room with several remote
// participants.
func (a *joinApp) promptSelect(clients []protocol.ClientInfo) {
	options := make([]string, len(clients))
	byOption := make(map[string]int64, len(clients))
	for i, info := range clients {
		label := fmt.Sprintf("%d (%s)", info.ID, info.Device)
		options[i] = label
		byOption[label] = info.ID
	}

	choice, err := pterm.DefaultInteractiveSelect.
		WithOptions(options).
		WithDefaultText("Select a peer to call").
		Show()
	if err != nil {
		util.LogWarning("peer selection aborted: %v", err)
		return
	}
	a.startCall(byOption[choice])
}

func (a *joinApp) startCall(peerID int64) {
	a.mu.Lock()
	params := a.params
	a.mu.Unlock()
	if params == nil {
		util.LogWarning("cannot call peer %d before room parameters arrived", peerID)
		return
	}

	c, err := newCall(a.client, peerID, params.ICEServers)
	if err != nil {
		util.LogError("starting call with peer %d: %v", peerID, err)
		return
	}
	a.storeCall(peerID, c)

	offer, err := c.offer()
	if err != nil {
		util.LogError("offering to peer %d: %v", peerID, err)
		a.dropCall(peerID)
		return
	}
	a.client.SendOfferSDP(peerID, offer, a.helper)
}

// acceptOffer answers an incoming call, or declines it when the local
// peer connection cannot be negotiated.
func (a *joinApp) acceptOffer(peerID int64, sdp webrtc.SessionDescription) {
	a.mu.Lock()
	params := a.params
	a.mu.Unlock()
	if params == nil {
		util.LogWarning("offer from peer %d before room parameters arrived, declining", peerID)
		a.client.SendAnswerSDP(peerID, nil)
		return
	}

	c, err := newCall(a.client, peerID, params.ICEServers)
	if err != nil {
		util.LogError("answering peer %d: %v", peerID, err)
		a.client.SendAnswerSDP(peerID, nil)
		return
	}

	answer, err := c.answer(sdp)
	if err != nil {
		util.LogError("answering peer %d: %v", peerID, err)
		c.close()
		a.client.SendAnswerSDP(peerID, nil)
		return
	}
	a.storeCall(peerID, c)
	a.client.SendAnswerSDP(peerID, answer)
}

func (a *joinApp) lookupCall(peerID int64) *call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[peerID]
}

func (a *joinApp) storeCall(peerID int64, c *call) {
	a.mu.Lock()
	if old, ok := a.calls[peerID]; ok {
		old.close()
	}
	a.calls[peerID] = c
	a.mu.Unlock()
}

func (a *joinApp) dropCall(peerID int64) {
	a.mu.Lock()
	c, ok := a.calls[peerID]
	delete(a.calls, peerID)
	a.mu.Unlock()
	if ok {
		c.close()
	}
}

func (a *joinApp) closeCalls() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, c := range a.calls {
		c.close()
		delete(a.calls, id)
	}
}
