package protocol

// Service names used as envelope destinations and origins.
const (
	ServiceDaemon    = "daemon"
	ServiceFullNode  = "full_node"
	ServiceWallet    = "wallet"
	ServiceFarmer    = "farmer"
	ServiceHarvester = "harvester"

	// ServiceWalletUI is the name this client registers under so the
	// daemon knows where to direct UI-bound pushes.
	ServiceWalletUI = "wallet_ui"
)

// Daemon control commands.
const (
	CmdRegisterService = "register_service"
	CmdPing            = "ping"
	CmdStartService    = "start_service"
	CmdStopService     = "stop_service"
	CmdIsRunning       = "is_running"
	CmdRunningServices = "running_services"
	CmdExit            = "exit"
)

// Wallet commands.
const (
	CmdLogIn            = "log_in"
	CmdLogOut           = "log_out"
	CmdGetPublicKeys    = "get_public_keys"
	CmdGetWallets       = "get_wallets"
	CmdGetWalletBalance = "get_wallet_balance"
	CmdGetSyncStatus    = "get_sync_status"
	CmdGetHeightInfo    = "get_height_info"
	CmdGetTransactions  = "get_transactions"
	CmdSendTransaction  = "send_transaction"
)

// Full node commands.
const (
	CmdGetBlockchainState = "get_blockchain_state"
	CmdGetConnections     = "get_connections"
	CmdGetBlock           = "get_block"
)

// Farmer commands.
const (
	CmdGetLatestChallenges = "get_latest_challenges"
	CmdGetRewardTargets    = "get_reward_targets"
	CmdSetRewardTargets    = "set_reward_targets"
)

// Harvester commands.
const (
	CmdGetPlots            = "get_plots"
	CmdRefreshPlots        = "refresh_plots"
	CmdDeletePlot          = "delete_plot"
	CmdAddPlotDirectory    = "add_plot_directory"
	CmdRemovePlotDirectory = "remove_plot_directory"
	CmdGetPlotDirectories  = "get_plot_directories"
)

// Unsolicited push commands.
const (
	CmdStateChanged   = "state_changed"
	CmdNewFarmingInfo = "new_farming_info"
)
