// Copyright 2021 - 2023 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package moerr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewError(t *testing.T) {
	err := NewInternalError("bad stuff %d", 42)
	require.Equal(t, "internal error: bad stuff 42", err.Error())
	require.Equal(t, ErrInternal, err.ErrorCode())
	require.True(t, IsMoErrCode(err, ErrInternal))
	require.False(t, IsMoErrCode(err, ErrNoSpace))
}

func TestIsMoErrCodeNil(t *testing.T) {
	require.True(t, IsMoErrCode(nil, Ok))
	require.False(t, IsMoErrCode(nil, ErrInternal))
}

func TestCodeToError(t *testing.T) {
	require.NoError(t, CodeToError(Ok))

	for _, code := range []uint16{
		ErrNoSpace, ErrRecheckRequired, ErrDataCorruption, ErrNYI, ErrOOM,
	} {
		err := CodeToError(code)
		require.Error(t, err)
		require.True(t, IsMoErrCode(err, code), "code %d", code)
	}

	// unknown codes degrade to internal errors
	err := CodeToError(9999)
	require.True(t, IsMoErrCode(err, ErrInternal))
}

func TestConvertGoError(t *testing.T) {
	require.NoError(t, ConvertGoError(nil))

	moe := NewNoSpace("x")
	require.Equal(t, error(moe), ConvertGoError(moe))

	err := ConvertGoError(errFake)
	require.True(t, IsMoErrCode(err, ErrInternal))
}

var errFake = fakeError{}

type fakeError struct{}

func (fakeError) Error() string { return "fake" }

func TestConvertPanicError(t *testing.T) {
	err := ConvertPanicError("boom")
	require.True(t, IsMoErrCode(err, ErrInternal))

	moe := NewRecheckRequired()
	require.Equal(t, moe, ConvertPanicError(moe))
}

func TestDisplayAndDetail(t *testing.T) {
	err := NewDataCorruption("short cell")
	require.Equal(t, "data corruption: short cell", err.Display())
	err.detail = "column 3"
	require.Equal(t, "data corruption: short cell: column 3", err.Display())
	require.Equal(t, "column 3", err.Detail())
	require.False(t, err.Succeeded())
}
