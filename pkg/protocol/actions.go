package protocol

// Standard action names
const (
	ActionSendMessage         = "send_message"
	ActionDeleteMessage       = "delete_message"
	ActionGetSelfInfo         = "get_self_info"
	ActionGetUserInfo         = "get_user_info"
	ActionGetFriendList       = "get_friend_list"
	ActionGetGroupInfo        = "get_group_info"
	ActionGetStatus           = "get_status"
	ActionGetVersion          = "get_version"
	ActionGetLatestEvents     = "get_latest_events"
	ActionGetSupportedActions = "get_supported_actions"
)

// Message detail types, used as send_message targets
const (
	DetailPrivate = "private"
	DetailGroup   = "group"
	DetailChannel = "channel"
)

// SendMessage builds a send_message action. target is the user id for
// private messages and the group id for group messages.
func SendMessage(detailType, target string, message Message) Action {
	params := map[string]interface{}{
		"detail_type": detailType,
		"message":     message,
	}
	switch detailType {
	case DetailGroup:
		params["group_id"] = target
	case DetailChannel:
		params["channel_id"] = target
	default:
		params["user_id"] = target
	}
	return NewAction(ActionSendMessage, params)
}

// DeleteMessage builds a delete_message action
func DeleteMessage(messageID string) Action {
	return NewAction(ActionDeleteMessage, map[string]interface{}{"message_id": messageID})
}

// GetSelfInfo builds a get_self_info action
func GetSelfInfo() Action {
	return NewAction(ActionGetSelfInfo, nil)
}

// GetUserInfo builds a get_user_info action
func GetUserInfo(userID string) Action {
	return NewAction(ActionGetUserInfo, map[string]interface{}{"user_id": userID})
}

// GetFriendList builds a get_friend_list action
func GetFriendList() Action {
	return NewAction(ActionGetFriendList, nil)
}

// GetGroupInfo builds a get_group_info action
func GetGroupInfo(groupID string) Action {
	return NewAction(ActionGetGroupInfo, map[string]interface{}{"group_id": groupID})
}

// GetStatus builds a get_status action
func GetStatus() Action {
	return NewAction(ActionGetStatus, nil)
}

// GetVersion builds a get_version action
func GetVersion() Action {
	return NewAction(ActionGetVersion, nil)
}

// GetSupportedActions builds a get_supported_actions action
func GetSupportedActions() Action {
	return NewAction(ActionGetSupportedActions, nil)
}

// GetLatestEvents builds a get_latest_events action. timeout is in seconds;
// zero returns immediately.
func GetLatestEvents(limit, timeout int64) Action {
	return NewAction(ActionGetLatestEvents, map[string]interface{}{
		"limit":   limit,
		"timeout": timeout,
	})
}
