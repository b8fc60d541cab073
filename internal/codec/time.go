package codec

import "time"

func unixMilliToTime(millis int64) time.Time {
	return time.UnixMilli(millis).UTC()
}
