package cursor

// SyncComplete reports whether a SYNC channel serial ("sequence:cursor")
// carries an empty cursor, marking the final SYNC envelope.
func SyncComplete(channelSerial string) bool {
	for index := 0; index < len(channelSerial); index++ {
		if channelSerial[index] == ':' {
			return index == len(channelSerial)-1
		}
	}
	return true
}

// ParseMessageID splits an id of the form "connectionId:msgSerial:index" and
// returns the two trailing numeric components. The connection id itself may
// contain colons.
func ParseMessageID(id string) (serial int64, index int64, ok bool) {
	end := len(id)
	var parsed [2]int64
	for part := 1; part >= 0; part-- {
		start := end
		for start > 0 && id[start-1] != ':' {
			start--
		}
		if start == end || start == 0 {
			return 0, 0, false
		}
		value, valid := parseDecimal(id[start:end])
		if !valid {
			return 0, 0, false
		}
		parsed[part] = value
		end = start - 1
	}
	if end <= 0 {
		return 0, 0, false
	}
	return parsed[0], parsed[1], true
}

func parseDecimal(token string) (int64, bool) {
	if token == "" || len(token) > 18 {
		return 0, false
	}
	var value int64
	for index := 0; index < len(token); index++ {
		digit := token[index]
		if digit < '0' || digit > '9' {
			return 0, false
		}
		value = value*10 + int64(digit-'0')
	}
	return value, true
}
