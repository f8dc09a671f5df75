package handler

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"

	"potholecam/internal/logger"
)

var (
	jpegHeader = []byte{0xFF, 0xD8}
	jpegFooter = []byte{0xFF, 0xD9}
)

// FrameSink receives complete JPEG frames.
type FrameSink interface {
	HandleCameraImage(frame []byte, camera string)
}

// UDPCameraHandler listens for UDP packets from cameras, reconstructs JPEG frames,
// and forwards complete frames to the sink. It returns when ctx is done.
func UDPCameraHandler(ctx context.Context, sink FrameSink, port int, logger *logger.Logger) error {
	addr, err := net.ResolveUDPAddr("udp", ":"+strconv.Itoa(port))
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	logger.Info("UDP Camera handler started on port %d", port)
	ReassembleFrames(ctx, conn, sink, logger)
	return nil
}

// PacketReader is the subset of *net.UDPConn used for reassembly.
type PacketReader interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
}

// ReassembleFrames joins JPEG fragments per sender until reads fail after
// ctx is done.
func ReassembleFrames(ctx context.Context, conn PacketReader, sink FrameSink, logger *logger.Logger) {
	buffer := make([]byte, 65535)
	cameraBuffers := make(map[string]*bytes.Buffer)

	for {
		n, remoteAddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Error reading UDP packet: %v", err)
			continue
		}

		cameraName := "camera_" + strings.Split(remoteAddr.String(), ":")[0]

		data := buffer[:n]
		imgBuffer, ok := cameraBuffers[cameraName]
		if !ok {
			imgBuffer = new(bytes.Buffer)
			cameraBuffers[cameraName] = imgBuffer
		}

		if bytes.HasPrefix(data, jpegHeader) {
			imgBuffer.Reset()
		}
		imgBuffer.Write(data)

		if bytes.HasSuffix(data, jpegFooter) {
			fullFrame := make([]byte, imgBuffer.Len())
			copy(fullFrame, imgBuffer.Bytes())
			sink.HandleCameraImage(fullFrame, cameraName)
			imgBuffer.Reset()
		}
	}
}
