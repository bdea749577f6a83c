/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package stream

// State represents the client's connection state
type State int

const (
	// Idle - created, no connection attempted yet
	Idle State = iota
	// Connecting - a connection attempt is in flight
	Connecting
	// Open - channel established, messages are forwarded
	Open
	// Retrying - last attempt failed, a reconnect is scheduled
	Retrying
	// Stopped - terminal until the client is started again
	Stopped
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Retrying:
		return "retrying"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
