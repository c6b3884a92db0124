/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package main

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestPayload(t *testing.T) {
	valid := []string{`{}`, `{"call_id":"c1","seq":9007199254740993}`, `[1,2]`, `"x"`}
	for _, data := range valid {
		payload, err := requestPayload(data)
		require.NoError(t, err, data)
		assert.Equal(t, data, string(payload))
	}

	for _, data := range []string{``, `{`, `{"a":}`, `{} {}`} {
		_, err := requestPayload(data)
		assert.Error(t, err, data)
	}
}

func TestRequestPayloadEmbedsVerbatim(t *testing.T) {
	payload, err := requestPayload(`{"seq":9007199254740993}`)
	require.NoError(t, err)
	out, err := sonic.MarshalString(map[string]any{"data": payload})
	require.NoError(t, err)
	assert.Equal(t, `{"data":{"seq":9007199254740993}}`, out)
}
