package wayland

import "go.klb.dev/interchange/internal/wlwire"

// Global interface names.
const (
	ifSeat          = "wl_seat"
	ifExtManager    = "ext_data_control_manager_v1"
	ifWlrManager    = "zwlr_data_control_manager_v1"
	ifDeviceManager = "wl_data_device_manager"
)

// wl_registry
const (
	registryBind         = 0
	registryGlobal       = 0
	registryGlobalRemove = 1
)

// ext_data_control_v1 and zwlr_data_control_unstable_v1 share every opcode.
const (
	managerCreateSource = 0
	managerGetDevice    = 1
	managerDestroy      = 2

	deviceSetSelection        = 0
	deviceDestroy             = 1
	deviceSetPrimarySelection = 2

	deviceEvDataOffer        = 0
	deviceEvSelection        = 1
	deviceEvFinished         = 2
	deviceEvPrimarySelection = 3

	sourceOffer   = 0
	sourceDestroy = 1

	sourceEvSend      = 0
	sourceEvCancelled = 1

	offerReceive = 0
	offerDestroy = 1

	offerEvOffer = 0
)

// wl_data_device_manager, wl_data_device, wl_data_offer, wl_data_source.
const (
	ddmCreateSource = 0
	ddmGetDevice    = 1

	ddStartDrag = 0
	ddRelease   = 2

	ddEvDataOffer = 0
	ddEvEnter     = 1
	ddEvLeave     = 2
	ddEvMotion    = 3
	ddEvDrop      = 4
	ddEvSelection = 5

	dOfferAccept     = 0
	dOfferReceive    = 1
	dOfferDestroy    = 2
	dOfferFinish     = 3
	dOfferSetActions = 4

	dOfferEvOffer         = 0
	dOfferEvSourceActions = 1
	dOfferEvAction        = 2

	dSourceOffer      = 0
	dSourceDestroy    = 1
	dSourceSetActions = 2

	dSourceEvTarget    = 0
	dSourceEvSend      = 1
	dSourceEvCancelled = 2
	dSourceEvPerformed = 3
	dSourceEvFinished  = 4
	dSourceEvAction    = 5
)

// wl_data_device_manager.dnd_action bits.
const (
	dndNone uint32 = 0
	dndCopy uint32 = 1
	dndMove uint32 = 2
	dndAsk  uint32 = 4
)

var (
	registryIface   = wlwire.Interface{Name: "wl_registry"}
	seatIface       = wlwire.Interface{Name: ifSeat}
	controlDevIface = wlwire.Interface{Name: "data_control_device"}
	controlOfferIf  = wlwire.Interface{Name: "data_control_offer"}
	controlSourceIf = wlwire.Interface{Name: "data_control_source", FDs: map[uint16]int{sourceEvSend: 1}}
	dataDeviceIface = wlwire.Interface{Name: "wl_data_device"}
	dataOfferIface  = wlwire.Interface{Name: "wl_data_offer"}
	dataSourceIface = wlwire.Interface{Name: "wl_data_source", FDs: map[uint16]int{dSourceEvSend: 1}}
)

// bind sends wl_registry.bind with the untyped new_id spelled out.
func bind(c *wlwire.Conn, registry wlwire.ObjectID, name uint32, iface string, version uint32) (wlwire.ObjectID, error) {
	id := c.NewID()
	err := c.Send(wlwire.NewMessage(registry, registryBind).
		Uint(name).String(iface).Uint(version).NewID(id))
	return id, err
}
