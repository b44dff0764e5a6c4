package cn

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"tradingagents/dataerr"
	"tradingagents/logger"
)

// DefaultTDXServers 内置通达信行情服务器
var DefaultTDXServers = []string{
	"119.147.212.81:7709",
	"112.74.214.43:7727",
	"221.231.141.60:7709",
	"101.227.73.20:7709",
	"101.227.77.254:7709",
	"14.215.128.18:7709",
	"59.173.18.140:7709",
	"60.28.23.80:7709",
	"218.60.29.136:7709",
	"124.160.88.183:7709",
}

// 市场代码
const (
	tdxMarketSZ uint16 = 0
	tdxMarketSH uint16 = 1
)

// K线周期
const tdxCategoryDaily uint16 = 9

const tdxRespHeaderLen = 16

var (
	tdxSetup1   = mustHex("0c0218930001030003000d0001")
	tdxSetup2   = mustHex("0c0218940001030003000d0002")
	tdxSetup3   = mustHex("0c031899000120002000db0fd5d0c9ccd6a4a8af0000008fc22540130000d500c9ccbdf0d7ea00000002")
	tdxBarsHead = mustHex("0c01086401011c001c002d05")
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// TDXBar 通达信原始K线
type TDXBar struct {
	Date   string
	Open   float64
	Close  float64
	High   float64
	Low    float64
	Volume float64
	Amount float64
}

// TDXClient 通达信行情协议客户端，每次请求建立新连接
type TDXClient struct {
	servers []string
	timeout time.Duration
	dialer  net.Dialer
}

// NewTDXClient 创建客户端，servers 为空时使用内置列表
func NewTDXClient(servers []string, timeout time.Duration) *TDXClient {
	if len(servers) == 0 {
		servers = DefaultTDXServers
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TDXClient{servers: append([]string(nil), servers...), timeout: timeout}
}

// connect 随机打乱服务器顺序，依次尝试直到连接并握手成功
func (c *TDXClient) connect(ctx context.Context) (net.Conn, error) {
	order := rand.Perm(len(c.servers))
	var lastErr error
	for _, i := range order {
		addr := c.servers[i]
		dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
		conn, err := c.dialer.DialContext(dialCtx, "tcp", addr)
		cancel()
		if err != nil {
			lastErr = err
			logger.Debug("⚠️ [通达信] 连接 %s 失败: %v", addr, err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		c.setDeadline(ctx, conn)
		if err := c.handshake(conn); err != nil {
			conn.Close()
			lastErr = err
			logger.Debug("⚠️ [通达信] 握手 %s 失败: %v", addr, err)
			continue
		}
		logger.Debug("✅ [通达信] 已连接 %s", addr)
		return conn, nil
	}
	return nil, fmt.Errorf("所有通达信服务器均不可用: %w", lastErr)
}

func (c *TDXClient) setDeadline(ctx context.Context, conn net.Conn) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
}

func (c *TDXClient) handshake(conn net.Conn) error {
	for _, cmd := range [][]byte{tdxSetup1, tdxSetup2, tdxSetup3} {
		if _, err := c.roundTrip(conn, cmd); err != nil {
			return err
		}
	}
	return nil
}

// roundTrip 发送请求并读取一个响应：16 字节头 <IIIHH，末两项为压缩/原始长度
func (c *TDXClient) roundTrip(conn net.Conn, req []byte) ([]byte, error) {
	if _, err := conn.Write(req); err != nil {
		return nil, err
	}
	head := make([]byte, tdxRespHeaderLen)
	if _, err := io.ReadFull(conn, head); err != nil {
		return nil, err
	}
	zipSize := binary.LittleEndian.Uint16(head[12:14])
	unzipSize := binary.LittleEndian.Uint16(head[14:16])

	body := make([]byte, zipSize)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	if zipSize == unzipSize {
		return body, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: 解压失败: %v", dataerr.ErrMalformedPayload, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: 解压失败: %v", dataerr.ErrMalformedPayload, err)
	}
	if len(out) != int(unzipSize) {
		return nil, fmt.Errorf("%w: 解压长度 %d != %d", dataerr.ErrMalformedPayload, len(out), unzipSize)
	}
	return out, nil
}

// encodeBarsRequest 构造K线请求：固定头 + <H6sHHHHIIH
func encodeBarsRequest(mkt uint16, code string, category, start, count uint16) []byte {
	buf := bytes.NewBuffer(append([]byte(nil), tdxBarsHead...))
	binary.Write(buf, binary.LittleEndian, mkt)
	var c [6]byte
	copy(c[:], code)
	buf.Write(c[:])
	binary.Write(buf, binary.LittleEndian, category)
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, start)
	binary.Write(buf, binary.LittleEndian, count)
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint16(0))
	return buf.Bytes()
}

// SecurityBars 获取日K，start 为从最新一根往前的偏移，count 最大 800
func (c *TDXClient) SecurityBars(ctx context.Context, mkt uint16, code string, start, count uint16) ([]TDXBar, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	body, err := c.roundTrip(conn, encodeBarsRequest(mkt, code, tdxCategoryDaily, start, count))
	if err != nil {
		return nil, err
	}
	return decodeDailyBars(body)
}

// decodePrice 变长有符号整数：首字节 bit7 续位、bit6 符号、低 6 位数值，后续字节每字节 7 位
func decodePrice(data []byte, pos int) (int, int, error) {
	if pos >= len(data) {
		return 0, pos, io.ErrUnexpectedEOF
	}
	b := data[pos]
	v := int(b & 0x3f)
	negative := b&0x40 != 0
	shift := 6
	for b&0x80 != 0 {
		pos++
		if pos >= len(data) {
			return 0, pos, io.ErrUnexpectedEOF
		}
		b = data[pos]
		v += int(b&0x7f) << shift
		shift += 7
	}
	pos++
	if negative {
		v = -v
	}
	return v, pos, nil
}

// decodeVolume 通达信成交量的 4 字节浮点编码
func decodeVolume(raw uint32) float64 {
	logPoint := int(raw >> 24)
	hleax := int((raw >> 16) & 0xff)
	lheax := int((raw >> 8) & 0xff)
	lleax := int(raw & 0xff)

	ecx := logPoint*2 - 0x7f
	edx := logPoint*2 - 0x86
	esi := logPoint*2 - 0x8e
	eax := logPoint*2 - 0x96

	xmm6 := math.Pow(2, math.Abs(float64(ecx)))
	if ecx < 0 {
		xmm6 = 1 / xmm6
	}

	var xmm4 float64
	if hleax > 0x80 {
		xmm4 = math.Pow(2, float64(edx))*128 + float64(hleax&0x7f)*math.Pow(2, float64(edx+1))
	} else if edx >= 0 {
		xmm4 = math.Pow(2, float64(edx)) * float64(hleax)
	} else {
		xmm4 = (1 / math.Pow(2, float64(edx))) * float64(hleax)
	}

	xmm3 := math.Pow(2, float64(esi)) * float64(lheax)
	xmm1 := math.Pow(2, float64(eax)) * float64(lleax)
	if hleax&0x80 != 0 {
		xmm3 *= 2
		xmm1 *= 2
	}
	return xmm6 + xmm4 + xmm3 + xmm1
}

// decodeDailyBars 解析日K响应：<H 条数，每条 <I yyyymmdd + 4 个价格差分 + 2 个 <I 量/额
func decodeDailyBars(body []byte) ([]TDXBar, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("%w: K线响应过短", dataerr.ErrMalformedPayload)
	}
	n := int(binary.LittleEndian.Uint16(body[:2]))
	pos := 2
	bars := make([]TDXBar, 0, n)
	base := 0
	for i := 0; i < n; i++ {
		if pos+4 > len(body) {
			return nil, fmt.Errorf("%w: 第 %d 条K线不完整", dataerr.ErrMalformedPayload, i)
		}
		day := binary.LittleEndian.Uint32(body[pos : pos+4])
		pos += 4

		var diffs [4]int
		for j := range diffs {
			v, next, err := decodePrice(body, pos)
			if err != nil {
				return nil, fmt.Errorf("%w: 第 %d 条K线价格不完整", dataerr.ErrMalformedPayload, i)
			}
			diffs[j] = v
			pos = next
		}
		if pos+8 > len(body) {
			return nil, fmt.Errorf("%w: 第 %d 条K线成交量不完整", dataerr.ErrMalformedPayload, i)
		}
		vol := decodeVolume(binary.LittleEndian.Uint32(body[pos : pos+4]))
		amount := decodeVolume(binary.LittleEndian.Uint32(body[pos+4 : pos+8]))
		pos += 8

		open := base + diffs[0]
		bars = append(bars, TDXBar{
			Date:   fmt.Sprintf("%04d-%02d-%02d", day/10000, day%10000/100, day%100),
			Open:   float64(open) / 1000,
			Close:  float64(open+diffs[1]) / 1000,
			High:   float64(open+diffs[2]) / 1000,
			Low:    float64(open+diffs[3]) / 1000,
			Volume: vol,
			Amount: amount,
		})
		base = open + diffs[1]
	}
	return bars, nil
}

// tdxMarket A股交易所对应的通达信市场代码
func tdxMarket(exchange string) (uint16, bool) {
	switch strings.ToUpper(exchange) {
	case "SSE":
		return tdxMarketSH, true
	case "SZSE":
		return tdxMarketSZ, true
	default:
		return 0, false
	}
}
