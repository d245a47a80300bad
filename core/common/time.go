package common

import "time"

/*Timestamp - just a wrapper to control the json encoding */
type Timestamp int64

/*Now - current datetime */
func Now() Timestamp {
	return Timestamp(time.Now().Unix())
}

/*Within ensures a timestamp is within certain bounds of the current time */
func Within(ts, seconds int64) bool {
	now := time.Now().Unix()
	return now > ts-seconds && now < ts+seconds
}

// ToTime converts the timestamp to a time.Time.
func (t Timestamp) ToTime() time.Time {
	return time.Unix(int64(t), 0)
}
