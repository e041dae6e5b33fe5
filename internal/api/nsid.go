// Package api holds one handler per delivery-service endpoint, constructed independently of the Fiber
// app and wired into routes by cmd/mlsds's registerRoutes.
package api

// NSID constants name every endpoint this service exposes under /xrpc/. A bearer token's lxm claim must
// match the NSID of the endpoint it is presented to when the Verifier enforces LXM binding.
const (
	NSIDCreateConvo         = "mls.ds.createConvo"
	NSIDAddMembers          = "mls.ds.addMembers"
	NSIDRemoveMember        = "mls.ds.removeMember"
	NSIDLeaveConvo          = "mls.ds.leaveConvo"
	NSIDGetEpoch            = "mls.ds.getEpoch"
	NSIDUpdateGroupInfo     = "mls.ds.updateGroupInfo"
	NSIDGetGroupInfo        = "mls.ds.getGroupInfo"
	NSIDSendMessage         = "mls.ds.sendMessage"
	NSIDUpdateRead          = "mls.ds.updateRead"
	NSIDPublishKeyPackage   = "mls.ds.publishKeyPackage"
	NSIDGetKeyPackages      = "mls.ds.getKeyPackages"
	NSIDGetWelcome          = "mls.ds.getWelcome"
	NSIDConfirmWelcome      = "mls.ds.confirmWelcome"
	NSIDSubscribeConvoEvent = "mls.ds.subscribeConvoEvents"
	NSIDGetServiceInfo      = "mls.ds.getServiceInfo"
)
