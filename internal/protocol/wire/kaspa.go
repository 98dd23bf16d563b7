package wire

// Field numbers of the node message variants.
var kaspaCommands = []Command{
	// p2p
	{Name: "addresses", Field: 1},
	{Name: "block", Field: 2},
	{Name: "transaction", Field: 3},
	{Name: "blockLocator", Field: 5},
	{Name: "requestAddresses", Field: 6},
	{Name: "requestRelayBlocks", Field: 10},
	{Name: "requestTransactions", Field: 12},
	{Name: "ibdBlock", Field: 13},
	{Name: "invRelayBlock", Field: 14},
	{Name: "invTransactions", Field: 15},
	{Name: "ping", Field: 16},
	{Name: "pong", Field: 17},
	{Name: "verack", Field: 19},
	{Name: "version", Field: 20},
	{Name: "transactionNotFound", Field: 21},
	{Name: "reject", Field: 22},

	// rpc
	{Name: "getCurrentNetworkRequest", Field: 1001},
	{Name: "getCurrentNetworkResponse", Field: 1002},
	{Name: "submitBlockRequest", Field: 1003},
	{Name: "submitBlockResponse", Field: 1004},
	{Name: "getBlockTemplateRequest", Field: 1005},
	{Name: "getBlockTemplateResponse", Field: 1006},
	{Name: "notifyBlockAddedRequest", Field: 1007},
	{Name: "notifyBlockAddedResponse", Field: 1008},
	{Name: "blockAddedNotification", Field: 1009},
	{Name: "getPeerAddressesRequest", Field: 1010},
	{Name: "getPeerAddressesResponse", Field: 1011},
	{Name: "getSelectedTipHashRequest", Field: 1012},
	{Name: "getSelectedTipHashResponse", Field: 1013},
	{Name: "getMempoolEntryRequest", Field: 1014},
	{Name: "getMempoolEntryResponse", Field: 1015},
	{Name: "getConnectedPeerInfoRequest", Field: 1016},
	{Name: "getConnectedPeerInfoResponse", Field: 1017},
	{Name: "addPeerRequest", Field: 1018},
	{Name: "addPeerResponse", Field: 1019},
	{Name: "submitTransactionRequest", Field: 1020},
	{Name: "submitTransactionResponse", Field: 1021},
	{Name: "notifyVirtualSelectedParentChainChangedRequest", Field: 1022},
	{Name: "notifyVirtualSelectedParentChainChangedResponse", Field: 1023},
	{Name: "virtualSelectedParentChainChangedNotification", Field: 1024},
	{Name: "getBlockRequest", Field: 1025},
	{Name: "getBlockResponse", Field: 1026},
	{Name: "getSubnetworkRequest", Field: 1027},
	{Name: "getSubnetworkResponse", Field: 1028},
	{Name: "getVirtualSelectedParentChainFromBlockRequest", Field: 1029},
	{Name: "getVirtualSelectedParentChainFromBlockResponse", Field: 1030},
	{Name: "getBlocksRequest", Field: 1031},
	{Name: "getBlocksResponse", Field: 1032},
	{Name: "getBlockCountRequest", Field: 1033},
	{Name: "getBlockCountResponse", Field: 1034},
	{Name: "getBlockDagInfoRequest", Field: 1035},
	{Name: "getBlockDagInfoResponse", Field: 1036},
	{Name: "resolveFinalityConflictRequest", Field: 1037},
	{Name: "resolveFinalityConflictResponse", Field: 1038},
	{Name: "notifyFinalityConflictsRequest", Field: 1039},
	{Name: "notifyFinalityConflictsResponse", Field: 1040},
	{Name: "finalityConflictNotification", Field: 1041},
	{Name: "finalityConflictResolvedNotification", Field: 1042},
	{Name: "getMempoolEntriesRequest", Field: 1043},
	{Name: "getMempoolEntriesResponse", Field: 1044},
	{Name: "shutDownRequest", Field: 1045},
	{Name: "shutDownResponse", Field: 1046},
	{Name: "getHeadersRequest", Field: 1047},
	{Name: "getHeadersResponse", Field: 1048},
	{Name: "notifyUtxosChangedRequest", Field: 1049},
	{Name: "notifyUtxosChangedResponse", Field: 1050},
	{Name: "utxosChangedNotification", Field: 1051},
	{Name: "getUtxosByAddressesRequest", Field: 1052},
	{Name: "getUtxosByAddressesResponse", Field: 1053},
	{Name: "getVirtualSelectedParentBlueScoreRequest", Field: 1054},
	{Name: "getVirtualSelectedParentBlueScoreResponse", Field: 1055},
	{Name: "notifyVirtualSelectedParentBlueScoreChangedRequest", Field: 1056},
	{Name: "notifyVirtualSelectedParentBlueScoreChangedResponse", Field: 1057},
	{Name: "virtualSelectedParentBlueScoreChangedNotification", Field: 1058},
	{Name: "banRequest", Field: 1059},
	{Name: "banResponse", Field: 1060},
	{Name: "unbanRequest", Field: 1061},
	{Name: "unbanResponse", Field: 1062},
	{Name: "getInfoRequest", Field: 1063},
	{Name: "getInfoResponse", Field: 1064},
	{Name: "stopNotifyingUtxosChangedRequest", Field: 1065},
	{Name: "stopNotifyingUtxosChangedResponse", Field: 1066},
	{Name: "notifyPruningPointUTXOSetOverrideRequest", Field: 1067},
	{Name: "notifyPruningPointUTXOSetOverrideResponse", Field: 1068},
	{Name: "pruningPointUTXOSetOverrideNotification", Field: 1069},
	{Name: "estimateNetworkHashesPerSecondRequest", Field: 1071},
	{Name: "estimateNetworkHashesPerSecondResponse", Field: 1072},
	{Name: "notifyVirtualDaaScoreChangedRequest", Field: 1073},
	{Name: "notifyVirtualDaaScoreChangedResponse", Field: 1074},
	{Name: "virtualDaaScoreChangedNotification", Field: 1075},
	{Name: "getBalanceByAddressRequest", Field: 1077},
	{Name: "getBalanceByAddressResponse", Field: 1078},
	{Name: "getBalancesByAddressesRequest", Field: 1079},
	{Name: "getBalancesByAddressesResponse", Field: 1080},
	{Name: "notifyNewBlockTemplateRequest", Field: 1081},
	{Name: "notifyNewBlockTemplateResponse", Field: 1082},
	{Name: "newBlockTemplateNotification", Field: 1083},
}

var defaultRegistry = mustRegistry(kaspaCommands)

// DefaultRegistry returns the node command table.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

func mustRegistry(cmds []Command) *Registry {
	r, err := NewRegistry(cmds)
	if err != nil {
		panic(err)
	}
	return r
}
